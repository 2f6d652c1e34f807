package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/session"
	"image-compressor-go/internal/statistics"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// multipartMemory is how much of an upload ParseMultipartForm keeps in memory.
const multipartMemory = 8 << 20

var validate = validator.New()

type CompressRequest struct {
	Quality *int `json:"quality" validate:"required,gte=0,lte=100"` // percent
}

type ImageInfo struct {
	URL           string `json:"url"`
	MIMEType      string `json:"mime_type"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	Size          int64  `json:"size"`
	SizeFormatted string `json:"size_formatted"`
}

type CompressionInfo struct {
	ImageInfo
	RequestedQuality float64 `json:"requested_quality"`
	EffectiveQuality float64 `json:"effective_quality"`
	SavedPercent     float64 `json:"saved_percent"`
}

type SessionInfo struct {
	SessionID    string           `json:"session_id"`
	FileName     string           `json:"file_name,omitempty"`
	Original     *ImageInfo       `json:"original,omitempty"`
	Compressed   *CompressionInfo `json:"compressed,omitempty"`
	Metadata     interface{}      `json:"metadata,omitempty"`
	DownloadName string           `json:"download_name,omitempty"`
	DownloadURL  string           `json:"download_url,omitempty"`
}

type UploadResult struct {
	Accepted bool         `json:"accepted"`
	Session  *SessionInfo `json:"session,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"active_sessions": s.sessions.Len(),
			"statistics":      s.stats.Snapshot(),
			"defaults": map[string]interface{}{
				"quality":          s.cfg.Compression.DefaultQuality,
				"max_dimension":    s.cfg.Compression.MaxDimension,
				"jpeg_min_quality": s.cfg.Compression.JPEGMinQuality,
				"png_min_scale":    s.cfg.Compression.PNGMinScale,
			},
		},
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		s.writeError(w, fmt.Sprintf("Invalid upload: %v", err), status)
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, "Missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to read file: %v", err), statusFor(err))
		return
	}

	quality := s.cfg.DefaultQualityFraction()
	if raw := r.FormValue("quality"); raw != "" {
		percent, err := strconv.Atoi(raw)
		if err != nil || percent < 0 || percent > 100 {
			s.writeError(w, "quality must be an integer between 0 and 100", http.StatusBadRequest)
			return
		}
		quality = float64(percent) / 100
	}

	sessionID := r.FormValue("session_id")
	log := logger.WithSessionOperation(s.log, sessionID, "upload").WithField("file", header.Filename)

	mimeType := declaredMIME(header.Header.Get("Content-Type"), data)
	if !compressor.IsImageMIME(mimeType) {
		// Non-image files are ignored without touching the session.
		s.stats.IncrementUploadsIgnored()
		log.WithField("mime", mimeType).Debug("Ignoring non-image upload")
		result := UploadResult{Accepted: false}
		if sess, err := s.sessions.Get(sessionID); err == nil {
			result.Session = s.sessionInfo(sess)
		}
		s.writeJSON(w, APIResponse{Success: true, Message: "Ignored non-image file", Data: result})
		return
	}

	src, err := compressor.NewSourceImage(header.Filename, mimeType, data)
	if err != nil {
		s.stats.IncrementDecodeErrors()
		s.stats.AddError(sessionID, "decode", err.Error())
		log.WithError(err).Warn("Failed to decode upload")
		s.writeError(w, "Could not read the image; the previous preview was kept", statusFor(err))
		return
	}

	// The first result is produced before the session sees the new source,
	// so a failure here leaves the previous source and result in place.
	res, err := s.reencode(r.Context(), sessionID, src, quality)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Compression failed: %v", err), statusFor(err))
		return
	}

	meta, err := s.extractor.Extract(data)
	if err != nil {
		log.WithError(err).Debug("Metadata extraction failed")
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		sess = s.sessions.Create()
		s.stats.IncrementSessionsCreated()
		log = log.WithField("session", sess.ID)
	}
	if err := sess.SetSource(src, meta, res); err != nil {
		s.writeError(w, fmt.Sprintf("Compression failed: %v", err), statusFor(err))
		return
	}

	s.stats.RecordUpload(src.MIMEType, src.Size())
	s.stats.RecordReencode(res.Size)
	log.WithFields(logrus.Fields{
		"mime":       src.MIMEType,
		"width":      src.Width,
		"height":     src.Height,
		"size":       humanize.IBytes(uint64(src.Size())),
		"compressed": humanize.IBytes(uint64(res.Size)),
	}).Info("Source image loaded")

	info := s.sessionInfo(sess)
	s.publish(sess.ID, "source_loaded", info)
	s.publish(sess.ID, "compression_completed", info)

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Image loaded",
		Data:    UploadResult{Accepted: true, Session: info},
	})
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionOrError(w, r)
	if !ok {
		return
	}

	var req CompressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		s.writeError(w, "quality must be an integer between 0 and 100", http.StatusBadRequest)
		return
	}

	if _, err := s.compress(r.Context(), sess, float64(*req.Quality)/100); err != nil {
		s.writeError(w, fmt.Sprintf("Compression failed: %v", err), statusFor(err))
		return
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    s.sessionInfo(sess),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionOrError(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: s.sessionInfo(sess)})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionOrError(w, r)
	if !ok {
		return
	}
	s.sessions.Delete(sess.ID)
	s.writeJSON(w, APIResponse{Success: true, Message: "Session deleted"})
}

func (s *Server) handleOriginal(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionOrError(w, r)
	if !ok {
		return
	}
	src := sess.Source()
	if src == nil {
		s.writeError(w, "No image uploaded", http.StatusNotFound)
		return
	}
	writeImage(w, src.MIMEType, src.Data, "")
}

func (s *Server) handleCompressed(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionOrError(w, r)
	if !ok {
		return
	}
	res := sess.Result()
	if res == nil {
		s.writeError(w, "No compressed image yet", http.StatusNotFound)
		return
	}
	writeImage(w, res.MIMEType, res.Data, "")
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionOrError(w, r)
	if !ok {
		return
	}
	src, res := sess.Source(), sess.Result()
	if src == nil || res == nil {
		s.writeError(w, "No compressed image yet", http.StatusNotFound)
		return
	}
	s.stats.IncrementDownloads()
	writeImage(w, res.MIMEType, res.Data, DownloadName(src.FileName))
}

// compress runs one re-encode for the session's current source and stores
// the result if no newer one got there first.
func (s *Server) compress(ctx context.Context, sess *session.Session, quality float64) (*compressor.EncodedResult, error) {
	log := logger.WithSessionOperation(s.log, sess.ID, "compress")

	tok, src, err := sess.Begin()
	if err != nil {
		return nil, err
	}

	res, err := s.reencode(ctx, sess.ID, src, quality)
	if err != nil {
		return nil, err
	}

	if err := sess.Commit(tok, res); err != nil {
		if errors.Is(err, session.ErrStaleResult) {
			s.stats.IncrementStaleResults()
			log.Debug("Discarded superseded result")
		}
		return nil, err
	}

	s.stats.RecordReencode(res.Size)
	log.WithFields(logrus.Fields{
		"quality":  quality,
		"mime":     res.MIMEType,
		"original": humanize.IBytes(uint64(src.Size())),
		"result":   humanize.IBytes(uint64(res.Size)),
	}).Info("Image compressed")
	s.publish(sess.ID, "compression_completed", s.sessionInfo(sess))
	return res, nil
}

// reencode runs the compressor and accounts for failures. sessionID may be
// empty for an upload that has no session yet.
func (s *Server) reencode(ctx context.Context, sessionID string, src *compressor.SourceImage, quality float64) (*compressor.EncodedResult, error) {
	res, err := s.compressor.Reencode(ctx, src, compressor.CompressionRequest{Quality: quality})
	if err != nil {
		s.stats.IncrementReencodeErrors()
		s.stats.AddError(sessionID, "compress", err.Error())
		logger.WithSessionOperation(s.log, sessionID, "compress").WithError(err).Warn("Re-encode failed")
		if sessionID != "" {
			s.publish(sessionID, "compression_failed", map[string]interface{}{"error": err.Error()})
		}
		return nil, err
	}
	return res, nil
}

func (s *Server) sessionOrError(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, "Session not found", statusFor(err))
		return nil, false
	}
	return sess, true
}

func (s *Server) sessionInfo(sess *session.Session) *SessionInfo {
	info := &SessionInfo{SessionID: sess.ID}
	src := sess.Source()
	if src == nil {
		return info
	}

	base := "/api/sessions/" + sess.ID
	info.FileName = src.FileName
	info.Original = &ImageInfo{
		URL:           base + "/original",
		MIMEType:      src.MIMEType,
		Width:         src.Width,
		Height:        src.Height,
		Size:          src.Size(),
		SizeFormatted: statistics.FormatSize(src.Size()),
	}
	if meta := sess.Metadata(); !meta.Empty() {
		info.Metadata = meta
	}

	res := sess.Result()
	if res == nil {
		return info
	}
	saved := 0.0
	if src.Size() > 0 {
		saved = float64(src.Size()-res.Size) * 100 / float64(src.Size())
	}
	info.Compressed = &CompressionInfo{
		ImageInfo: ImageInfo{
			URL:           fmt.Sprintf("%s/compressed?v=%d", base, res.FinishedAt.UnixNano()),
			MIMEType:      res.MIMEType,
			Width:         res.Width,
			Height:        res.Height,
			Size:          res.Size,
			SizeFormatted: statistics.FormatSize(res.Size),
		},
		RequestedQuality: res.RequestedQuality,
		EffectiveQuality: res.EffectiveQuality,
		SavedPercent:     saved,
	}
	info.DownloadName = DownloadName(src.FileName)
	info.DownloadURL = base + "/download"
	return info
}

// DownloadName is the file name offered for the compressed copy.
func DownloadName(original string) string {
	if original == "" {
		original = "image"
	}
	return "compressed_" + original
}

// declaredMIME prefers the client's Content-Type and sniffs the bytes only
// when the client sent nothing useful.
func declaredMIME(header string, data []byte) string {
	declared := compressor.NormalizeMIME(header)
	if declared == "" || declared == "application/octet-stream" {
		return compressor.NormalizeMIME(mimetype.Detect(data).String())
	}
	return declared
}

func writeImage(w http.ResponseWriter, mimeType string, data []byte, attachment string) {
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-store")
	if attachment != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": attachment}))
	}
	w.Write(data)
}

// Package googlestt implements transcription and speaker diarization on
// Google Cloud Speech-to-Text.
package googlestt

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/sirupsen/logrus"

	"github.com/tiroq/whisperrec/internal/asr"
)

var _ asr.Backend = (*Backend)(nil)

// maxInlineBytes is the request size limit for inline audio content.
const maxInlineBytes = 10 * 1024 * 1024

// Config holds Google Cloud STT settings.
type Config struct {
	CredentialsFile string // path to service account JSON
	APIKey          string // used instead of CredentialsFile when set
	LanguageCode    string // e.g., "en-US"
	Model           string // e.g., "latest_long"
	MinSpeakers     int
	MaxSpeakers     int
	MaxRetries      int // default 4
}

// Backend transcribes files with Cloud Speech LongRunningRecognize. The
// gRPC client is created on first use.
type Backend struct {
	cfg    Config
	logger logrus.FieldLogger

	mu      sync.Mutex
	rec     recognizer
	backoff time.Duration
}

// NewBackend creates a Google STT backend.
func NewBackend(cfg Config, logger logrus.FieldLogger) *Backend {
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = "en-US"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Backend{cfg: cfg, logger: logger.WithField("backend", "google_stt"), backoff: 750 * time.Millisecond}
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return "google_stt" }

func (b *Backend) recognizer(ctx context.Context) (recognizer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rec != nil {
		return b.rec, nil
	}
	r, err := newGCPRecognizer(ctx, b.cfg)
	if err != nil {
		return nil, err
	}
	b.rec = r
	return r, nil
}

// Close releases the gRPC connection if one was opened.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rec == nil {
		return nil
	}
	err := b.rec.Close()
	b.rec = nil
	return err
}

func (b *Backend) recognitionConfig(path, language string, diarize bool) *speechpb.RecognitionConfig {
	if language == "" {
		language = b.cfg.LanguageCode
	}
	rc := &speechpb.RecognitionConfig{
		Encoding:                   encodingFor(path),
		LanguageCode:               language,
		Model:                      b.cfg.Model,
		EnableAutomaticPunctuation: true,
		EnableWordTimeOffsets:      diarize,
	}
	if diarize {
		rc.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
			EnableSpeakerDiarization: true,
			MinSpeakerCount:          int32(b.cfg.MinSpeakers),
			MaxSpeakerCount:          int32(b.cfg.MaxSpeakers),
		}
	}
	return rc
}

func (b *Backend) recognize(ctx context.Context, path string, rc *speechpb.RecognitionConfig) (*speechpb.LongRunningRecognizeResponse, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("google_stt: read audio: %w", err)
	}
	if len(data) > maxInlineBytes {
		return nil, fmt.Errorf("google_stt: %d bytes exceeds inline limit of %d", len(data), maxInlineBytes)
	}
	rec, err := b.recognizer(ctx)
	if err != nil {
		return nil, err
	}
	req := &speechpb.LongRunningRecognizeRequest{
		Config: rc,
		Audio:  &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Content{Content: data}},
	}
	return recognizeWithRetry(ctx, rec, req, b.cfg.MaxRetries, b.backoff)
}

// TranscribeFile sends the file inline and maps each result to a segment.
func (b *Backend) TranscribeFile(ctx context.Context, filePath string, opts asr.TranscribeOptions) (*asr.Transcript, error) {
	started := time.Now()
	rc := b.recognitionConfig(filePath, opts.Language, false)
	resp, err := b.recognize(ctx, filePath, rc)
	if err != nil {
		return nil, fmt.Errorf("google_stt: recognize: %w", err)
	}

	segs := transcriptSegments(resp, rc.LanguageCode)
	if len(segs) == 0 {
		return nil, asr.ErrNoSpeech
	}
	t := &asr.Transcript{
		Segments: segs,
		Language: rc.LanguageCode,
		Duration: toDuration(resp.GetTotalBilledTime()),
		Model:    b.cfg.Model,
		Backend:  b.Name(),
	}
	if t.Duration == 0 {
		t.Duration = segs[len(segs)-1].End
	}

	b.logger.WithFields(logrus.Fields{
		"segments": len(segs),
		"elapsed":  time.Since(started).Round(time.Millisecond).String(),
	}).Debug("Transcription finished")
	return t, nil
}

// HealthCheck verifies whether credentials are configured and readable.
func (b *Backend) HealthCheck(ctx context.Context) (*asr.HealthStatus, error) {
	status := &asr.HealthStatus{
		Backend: b.Name(),
	}

	if b.cfg.APIKey != "" {
		status.OK = true
		status.Message = "api key configured"
		return status, nil
	}

	if b.cfg.CredentialsFile == "" {
		status.Message = "no credentials file configured"
		return status, nil
	}

	if _, err := os.Stat(b.cfg.CredentialsFile); err != nil {
		status.Message = fmt.Sprintf("credentials file not accessible: %v", err)
		return status, nil
	}

	status.OK = true
	status.Message = "credentials file present"
	return status, nil
}

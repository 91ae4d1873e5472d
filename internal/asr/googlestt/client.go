package googlestt

import (
	"context"
	"fmt"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// recognizer is the slice of the Cloud Speech client this package uses.
type recognizer interface {
	LongRunningRecognize(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error)
	Close() error
}

// gcpRecognizer adapts *speech.Client, waiting on the long-running operation.
type gcpRecognizer struct {
	client *speech.Client
}

func newGCPRecognizer(ctx context.Context, cfg Config) (*gcpRecognizer, error) {
	var opts []option.ClientOption
	switch {
	case cfg.APIKey != "":
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google_stt: speech client: %w", err)
	}
	return &gcpRecognizer{client: c}, nil
}

func (g *gcpRecognizer) LongRunningRecognize(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error) {
	op, err := g.client.LongRunningRecognize(ctx, req)
	if err != nil {
		return nil, err
	}
	return op.Wait(ctx)
}

func (g *gcpRecognizer) Close() error {
	return g.client.Close()
}

// retryable reports whether a gRPC error is worth another attempt.
func retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded:
		return true
	}
	return false
}

// recognizeWithRetry retries transient gRPC failures with capped exponential
// backoff. ctx ends the wait between attempts.
func recognizeWithRetry(ctx context.Context, r recognizer, req *speechpb.LongRunningRecognizeRequest, maxRetries int, backoff time.Duration) (*speechpb.LongRunningRecognizeResponse, error) {
	var last error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := r.LongRunningRecognize(ctx, req)
		if err == nil {
			return resp, nil
		}
		last = err
		if !retryable(err) || attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 10*time.Second {
			backoff = 10 * time.Second
		}
	}
	return nil, last
}

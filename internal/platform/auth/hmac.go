package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const (
	defaultWebhookSignatureHeader = "X-Razorpay-Signature"
	defaultMaxWebhookBody         = 256 * 1024
)

// WebhookSignatureValidator verifies gateway webhook deliveries by recomputing
// the HMAC-SHA256 of the raw request body with a shared secret. The secret is
// handed over once at construction and never leaves the validator.
type WebhookSignatureValidator struct {
	secret []byte

	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time

	signatureHeader string
	maxBody         int64
}

// WebhookOption customises the validator.
type WebhookOption func(*WebhookSignatureValidator)

// NewWebhookSignatureValidator builds a validator for the given shared secret.
func NewWebhookSignatureValidator(secret []byte, opts ...WebhookOption) (*WebhookSignatureValidator, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: webhook secret is required")
	}

	validator := &WebhookSignatureValidator{
		secret:          append([]byte(nil), secret...),
		logger:          log.Default(),
		now:             time.Now,
		signatureHeader: defaultWebhookSignatureHeader,
		maxBody:         defaultMaxWebhookBody,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}

	return validator, nil
}

// WithWebhookLogger overrides the validator logger.
func WithWebhookLogger(logger Logger) WebhookOption {
	return func(v *WebhookSignatureValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithWebhookMetrics sets the metrics recorder.
func WithWebhookMetrics(metrics MetricsRecorder) WebhookOption {
	return func(v *WebhookSignatureValidator) {
		v.metrics = metrics
	}
}

// WithWebhookClock injects a custom clock, primarily for tests.
func WithWebhookClock(now func() time.Time) WebhookOption {
	return func(v *WebhookSignatureValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithWebhookSignatureHeader customises the header carrying the signature.
func WithWebhookSignatureHeader(header string) WebhookOption {
	return func(v *WebhookSignatureValidator) {
		header = strings.TrimSpace(header)
		if header != "" {
			v.signatureHeader = header
		}
	}
}

// WithWebhookMaxBody bounds the request body size read for verification.
func WithWebhookMaxBody(limit int64) WebhookOption {
	return func(v *WebhookSignatureValidator) {
		if limit > 0 {
			v.maxBody = limit
		}
	}
}

// RequireSignature rejects any request whose body does not match the
// signature header. The body is restored for downstream handlers.
func (v *WebhookSignatureValidator) RequireSignature() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
			if signatureValue == "" {
				v.record(ctx, false, "signature_missing", start)
				respondAuthError(w, http.StatusUnauthorized, "signature_missing", "signature header missing")
				return
			}

			signature, err := hex.DecodeString(signatureValue)
			if err != nil {
				v.record(ctx, false, "signature_invalid", start)
				respondAuthError(w, http.StatusUnauthorized, "signature_invalid", "signature encoding invalid")
				return
			}

			body, err := v.readAndRestoreBody(r)
			if err != nil {
				v.record(ctx, false, "body_unreadable", start)
				respondAuthError(w, http.StatusBadRequest, "invalid_body", "unable to read body for signature verification")
				return
			}

			mac := hmac.New(sha256.New, v.secret)
			mac.Write(body)
			if !hmac.Equal(signature, mac.Sum(nil)) {
				if v.logger != nil {
					v.logger.Printf("auth: webhook signature mismatch from %s", r.RemoteAddr)
				}
				v.record(ctx, false, "signature_mismatch", start)
				respondAuthError(w, http.StatusUnauthorized, "signature_mismatch", "signature verification failed")
				return
			}

			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r)
		})
	}
}

func (v *WebhookSignatureValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	duration := v.now().Sub(start)
	v.metrics.RecordVerification(ctx, "webhook", success, reason, duration)
}

func (v *WebhookSignatureValidator) readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(r.Body, v.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) > v.maxBody {
		return nil, errors.New("auth: webhook body exceeds allowed size")
	}

	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

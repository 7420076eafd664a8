// Package awstranscribe provides an STT provider backed by Amazon Transcribe.
//
// Transcribe works on objects in S3, so a call uploads the recording to a
// bucket, starts a batch transcription job, polls it until it finishes and
// downloads the JSON result the job writes back to the same bucket. The
// word-level result is grouped into sentence-sized segments. When speaker
// identification is enabled the speaker turns are returned as well.
//
//	cfg, _ := config.LoadDefaultConfig(ctx, config.WithRegion("eu-west-1"))
//	p, err := awstranscribe.NewFromConfig(cfg, "lecture-audio", awstranscribe.WithMaxSpeakers(2))
//	tr, err := p.Transcribe(ctx, stt.Request{Audio: f, Filename: "clase.m4a"})
package awstranscribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/transcribe"
	"github.com/aws/aws-sdk-go-v2/service/transcribe/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/MrWong99/dicttr/pkg/provider/stt"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultPrefix       = "dicttr/"
)

var _ stt.Provider = (*Provider)(nil)

// TranscribeAPI is the subset of the Transcribe client the provider uses.
type TranscribeAPI interface {
	StartTranscriptionJob(ctx context.Context, params *transcribe.StartTranscriptionJobInput, optFns ...func(*transcribe.Options)) (*transcribe.StartTranscriptionJobOutput, error)
	GetTranscriptionJob(ctx context.Context, params *transcribe.GetTranscriptionJobInput, optFns ...func(*transcribe.Options)) (*transcribe.GetTranscriptionJobOutput, error)
	DeleteTranscriptionJob(ctx context.Context, params *transcribe.DeleteTranscriptionJobInput, optFns ...func(*transcribe.Options)) (*transcribe.DeleteTranscriptionJobOutput, error)
}

// S3API is the subset of the S3 client the provider uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithPollInterval sets how often the job status is checked. Default 10s.
func WithPollInterval(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithPrefix sets the key prefix of uploaded media and job results.
// Default "dicttr/".
func WithPrefix(prefix string) Option {
	return func(p *Provider) { p.prefix = prefix }
}

// WithMaxSpeakers enables speaker identification for up to n speakers
// (2–30). Zero disables it.
func WithMaxSpeakers(n int) Option {
	return func(p *Provider) { p.maxSpeakers = n }
}

// WithLanguage sets the default language hint ("es", "en-US"). Empty asks
// Transcribe to identify the language.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithKeepArtifacts leaves the uploaded media, the result object and the job
// in place after a call. By default they are deleted.
func WithKeepArtifacts(keep bool) Option {
	return func(p *Provider) { p.keep = keep }
}

// Provider implements [stt.Provider] on Amazon Transcribe batch jobs.
type Provider struct {
	transcribe   TranscribeAPI
	s3           S3API
	bucket       string
	prefix       string
	language     string
	maxSpeakers  int
	pollInterval time.Duration
	keep         bool
}

// New creates a Provider that stages audio in bucket.
func New(tc TranscribeAPI, sc S3API, bucket string, opts ...Option) (*Provider, error) {
	if tc == nil || sc == nil {
		return nil, errors.New("awstranscribe: clients must not be nil")
	}
	if bucket == "" {
		return nil, errors.New("awstranscribe: bucket must not be empty")
	}
	p := &Provider{
		transcribe:   tc,
		s3:           sc,
		bucket:       bucket,
		prefix:       defaultPrefix,
		pollInterval: defaultPollInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// NewFromConfig creates a Provider with Transcribe and S3 clients built from
// cfg.
func NewFromConfig(cfg aws.Config, bucket string, opts ...Option) (*Provider, error) {
	return New(transcribe.NewFromConfig(cfg), s3.NewFromConfig(cfg), bucket, opts...)
}

// Transcribe implements [stt.Provider].
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Transcription, error) {
	if req.Audio == nil {
		return nil, fmt.Errorf("awstranscribe: %w", stt.ErrEmptyAudio)
	}

	body, cleanup, err := seekable(req.Audio)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	filename := req.FilenameOrDefault()
	jobName := "dicttr-" + uuid.NewString()
	mediaKey := p.prefix + jobName + path.Ext(filename)
	resultKey := p.prefix + jobName + ".json"

	put := &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(mediaKey),
		Body:   body,
	}
	if req.ContentType != "" {
		put.ContentType = aws.String(req.ContentType)
	}
	if _, err := p.s3.PutObject(ctx, put); err != nil {
		return nil, fmt.Errorf("awstranscribe: upload media: %w", err)
	}
	if !p.keep {
		defer p.cleanup(jobName, mediaKey, resultKey)
	}

	if err := p.start(ctx, req, jobName, mediaKey, resultKey, filename); err != nil {
		return nil, err
	}
	job, err := p.wait(ctx, jobName)
	if err != nil {
		return nil, err
	}

	obj, err := p.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(resultKey),
	})
	if err != nil {
		return nil, fmt.Errorf("awstranscribe: download result: %w", err)
	}
	defer obj.Body.Close()

	res, err := decodeResult(obj.Body)
	if err != nil {
		return nil, err
	}
	tr := res.transcription()
	if job.LanguageCode != "" {
		tr.Language = string(job.LanguageCode)
	}
	return tr, nil
}

func (p *Provider) start(ctx context.Context, req stt.Request, jobName, mediaKey, resultKey, filename string) error {
	in := &transcribe.StartTranscriptionJobInput{
		TranscriptionJobName: aws.String(jobName),
		Media: &types.Media{
			MediaFileUri: aws.String(fmt.Sprintf("s3://%s/%s", p.bucket, mediaKey)),
		},
		OutputBucketName: aws.String(p.bucket),
		OutputKey:        aws.String(resultKey),
	}
	if f := mediaFormat(filename); f != "" {
		in.MediaFormat = f
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}
	if code := languageCode(lang); code != "" {
		in.LanguageCode = code
	} else {
		in.IdentifyLanguage = aws.Bool(true)
	}

	if p.maxSpeakers > 0 {
		in.Settings = &types.Settings{
			ShowSpeakerLabels: aws.Bool(true),
			MaxSpeakerLabels:  aws.Int32(int32(p.maxSpeakers)),
		}
	}

	if _, err := p.transcribe.StartTranscriptionJob(ctx, in); err != nil {
		return fmt.Errorf("awstranscribe: start job: %w", err)
	}
	slog.Debug("awstranscribe: job started", "job", jobName, "bucket", p.bucket)
	return nil
}

// wait polls the job until it completes or fails.
func (p *Provider) wait(ctx context.Context, jobName string) (*types.TranscriptionJob, error) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		out, err := p.transcribe.GetTranscriptionJob(ctx, &transcribe.GetTranscriptionJobInput{
			TranscriptionJobName: aws.String(jobName),
		})
		if err != nil {
			return nil, fmt.Errorf("awstranscribe: get job: %w", err)
		}
		job := out.TranscriptionJob
		if job == nil {
			return nil, fmt.Errorf("awstranscribe: job %s not returned", jobName)
		}
		switch job.TranscriptionJobStatus {
		case types.TranscriptionJobStatusCompleted:
			return job, nil
		case types.TranscriptionJobStatusFailed:
			return nil, fmt.Errorf("awstranscribe: job %s failed: %s", jobName, aws.ToString(job.FailureReason))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// cleanup removes the job and its objects. It runs after the request context
// may already be cancelled, so it uses its own deadline.
func (p *Provider) cleanup(jobName string, keys ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := p.transcribe.DeleteTranscriptionJob(ctx, &transcribe.DeleteTranscriptionJobInput{
		TranscriptionJobName: aws.String(jobName),
	}); err != nil && !isNotFound(err) {
		slog.Warn("awstranscribe: delete job failed", "job", jobName, "err", err)
	}
	for _, k := range keys {
		if _, err := p.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(k),
		}); err != nil && !isNotFound(err) {
			slog.Warn("awstranscribe: delete object failed", "key", k, "err", err)
		}
	}
}

// isNotFound reports whether err is an AWS "not found" error.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFoundException", "NotFound", "NoSuchKey", "404":
			return true
		}
	}
	return false
}

// seekable returns r as an io.ReadSeeker, spooling it to a temporary file
// when it cannot seek. S3 needs the content length up front.
func seekable(r io.Reader) (io.ReadSeeker, func(), error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		return rs, func() {}, nil
	}
	f, err := os.CreateTemp("", "dicttr-audio-*")
	if err != nil {
		return nil, nil, fmt.Errorf("awstranscribe: spool audio: %w", err)
	}
	cleanup := func() {
		f.Close()
		os.Remove(f.Name())
	}
	if _, err := io.Copy(f, r); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("awstranscribe: spool audio: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("awstranscribe: spool audio: %w", err)
	}
	return f, cleanup, nil
}

// mediaFormat maps a file extension onto a Transcribe media format. Unknown
// extensions return "" and Transcribe detects the format itself.
func mediaFormat(filename string) types.MediaFormat {
	switch strings.ToLower(strings.TrimPrefix(path.Ext(filename), ".")) {
	case "mp3":
		return types.MediaFormatMp3
	case "mp4":
		return types.MediaFormatMp4
	case "wav":
		return types.MediaFormatWav
	case "flac":
		return types.MediaFormatFlac
	case "ogg", "opus":
		return types.MediaFormatOgg
	case "amr":
		return types.MediaFormatAmr
	case "webm":
		return types.MediaFormatWebm
	case "m4a":
		return types.MediaFormatM4a
	}
	return ""
}

// regionalDefaults expands bare ISO-639-1 codes to the locale Transcribe
// expects.
var regionalDefaults = map[string]string{
	"es": "es-ES",
	"en": "en-US",
	"pt": "pt-BR",
	"fr": "fr-FR",
	"de": "de-DE",
	"it": "it-IT",
	"ca": "ca-ES",
}

// languageCode returns the Transcribe language code for a hint, or "" to
// request language identification.
func languageCode(lang string) types.LanguageCode {
	lang = strings.TrimSpace(lang)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	if strings.Contains(lang, "-") {
		return types.LanguageCode(lang)
	}
	if full, ok := regionalDefaults[strings.ToLower(lang)]; ok {
		return types.LanguageCode(full)
	}
	return ""
}

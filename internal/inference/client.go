// Package inference holds thin HTTP clients for the sibling inference
// services. Each call is a stage-specific JSON payload; synchronous
// services answer with an artifact key, asynchronous ones accept a
// callback and answer later through the job status surface.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Config carries the service endpoints and call policy. A zero Timeout
// means no client-side timeout: synthesis and training calls routinely
// run for minutes and a failure surfaces as a normal handler failure.
type Config struct {
	TTSURL      string
	SpeechURL   string
	VoiceURL    string
	SubtitleURL string
	VideoURL    string
	TrainURL    string

	Timeout        time.Duration
	ReadyPollEvery time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.ReadyPollEvery <= 0 {
		cfg.ReadyPollEvery = time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) postJSON(ctx context.Context, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: status %d: %s", url, resp.StatusCode, bytes.TrimSpace(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type audioResp struct {
	AudioKey string `json:"audio_key"`
}

// SynthesizeDirect runs the single-stage neural TTS service and
// returns the generated audio artifact key.
func (c *Client) SynthesizeDirect(ctx context.Context, text, modelName string) (string, error) {
	var out audioResp
	err := c.postJSON(ctx, c.cfg.TTSURL+"/infer", map[string]any{
		"text":       text,
		"model_name": modelName,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("tts direct: %w", err)
	}
	return out.AudioKey, nil
}

// SynthesizeSpeech runs the plain TTS service with a named voice
// profile, producing the raw audio a voice-conversion stage refines.
func (c *Client) SynthesizeSpeech(ctx context.Context, text, voiceProfile string) (string, error) {
	var out audioResp
	err := c.postJSON(ctx, c.cfg.SpeechURL+"/synthesize", map[string]any{
		"text":          text,
		"voice_profile": voiceProfile,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("speech synth: %w", err)
	}
	return out.AudioKey, nil
}

// ConvertVoice runs voice conversion over a previously generated audio
// artifact.
func (c *Client) ConvertVoice(ctx context.Context, audioKey, modelName string, pitch int) (string, error) {
	var out audioResp
	err := c.postJSON(ctx, c.cfg.VoiceURL+"/convert", map[string]any{
		"audio_key":  audioKey,
		"model_name": modelName,
		"pitch":      pitch,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("voice convert: %w", err)
	}
	return out.AudioKey, nil
}

// GenerateSubtitles produces a subtitle artifact for an audio artifact.
// The reference text improves alignment and may be empty.
func (c *Client) GenerateSubtitles(ctx context.Context, audioKey, refText string) (string, error) {
	var out struct {
		SubtitleKey string `json:"subtitle_key"`
	}
	err := c.postJSON(ctx, c.cfg.SubtitleURL+"/audio/gen_audio_srt", map[string]any{
		"audio_key": audioKey,
		"ref_text":  refText,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("subtitle gen: %w", err)
	}
	return out.SubtitleKey, nil
}

// SynthesizeVideo submits a talking-head render. The service is
// asynchronous: it accepts the callback pair and later reports the
// outcome against the job status surface, so there is no artifact in
// the response.
func (c *Client) SynthesizeVideo(ctx context.Context, audioKey, speaker, callbackURL, callbackMethod string) error {
	err := c.postJSON(ctx, c.cfg.VideoURL+"/talking-head/inference", map[string]any{
		"input_audio_key": audioKey,
		"speaker":         speaker,
		"callback_url":    callbackURL,
		"callback_method": callbackMethod,
	}, nil)
	if err != nil {
		return fmt.Errorf("video synth: %w", err)
	}
	return nil
}

// WaitVideoReady blocks until the singleton video service reports
// ready. The service runs one render at a time; this gate is the
// external mutual exclusion in front of it.
func (c *Client) WaitVideoReady(ctx context.Context) error {
	return c.waitReady(ctx, c.cfg.VideoURL+"/talking-head/infer-ready")
}

// WaitTrainReady is the same gate for the training service.
func (c *Client) WaitTrainReady(ctx context.Context) error {
	return c.waitReady(ctx, c.cfg.TrainURL+"/train-ready")
}

func (c *Client) waitReady(ctx context.Context, url string) error {
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		var out struct {
			Ready bool `json:"ready"`
		}
		decErr := json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: status %d", url, resp.StatusCode)
		}
		if decErr != nil {
			return decErr
		}
		if out.Ready {
			return nil
		}

		log.Printf("[inference] waiting for %s", url)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReadyPollEvery):
		}
	}
}

// SliceAudio cuts reference recordings into training-sized segments
// and returns the keys of the slices.
func (c *Client) SliceAudio(ctx context.Context, audioKeys []string, minLength, maxLength int, keepSilent float64) ([]string, error) {
	var out struct {
		SliceKeys []string `json:"slice_keys"`
	}
	err := c.postJSON(ctx, c.cfg.TrainURL+"/slice", map[string]any{
		"audio_keys":  audioKeys,
		"min_length":  minLength,
		"max_length":  maxLength,
		"keep_silent": keepSilent,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("slice audio: %w", err)
	}
	return out.SliceKeys, nil
}

// TrainVoice starts a voice-model training run. Asynchronous, reports
// through the callback.
func (c *Client) TrainVoice(ctx context.Context, audioKeys []string, modelName string, epochs int, callbackURL, callbackMethod string) error {
	err := c.postJSON(ctx, c.cfg.TrainURL+"/voice", map[string]any{
		"audio_keys":      audioKeys,
		"model_name":      modelName,
		"epochs":          epochs,
		"callback_url":    callbackURL,
		"callback_method": callbackMethod,
	}, nil)
	if err != nil {
		return fmt.Errorf("voice train: %w", err)
	}
	return nil
}

// TrainAvatar starts a talking-head speaker training run.
// Asynchronous, reports through the callback.
func (c *Client) TrainAvatar(ctx context.Context, audioKeys []string, speaker, callbackURL, callbackMethod string) error {
	err := c.postJSON(ctx, c.cfg.TrainURL+"/avatar", map[string]any{
		"audio_keys":      audioKeys,
		"speaker":         speaker,
		"callback_url":    callbackURL,
		"callback_method": callbackMethod,
	}, nil)
	if err != nil {
		return fmt.Errorf("avatar train: %w", err)
	}
	return nil
}

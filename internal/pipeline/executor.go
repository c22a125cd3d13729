package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"media-pipeline-service/internal/entity"
)

// InferenceClient is the slice of the inference client the executor
// uses (inference.Client in production).
type InferenceClient interface {
	SynthesizeDirect(ctx context.Context, text, modelName string) (string, error)
	SynthesizeSpeech(ctx context.Context, text, voiceProfile string) (string, error)
	ConvertVoice(ctx context.Context, audioKey, modelName string, pitch int) (string, error)
	GenerateSubtitles(ctx context.Context, audioKey, refText string) (string, error)
	SynthesizeVideo(ctx context.Context, audioKey, speaker, callbackURL, callbackMethod string) error
	WaitVideoReady(ctx context.Context) error
	WaitTrainReady(ctx context.Context) error
	SliceAudio(ctx context.Context, audioKeys []string, minLength, maxLength int, keepSilent float64) ([]string, error)
	TrainVoice(ctx context.Context, audioKeys []string, modelName string, epochs int, callbackURL, callbackMethod string) error
	TrainAvatar(ctx context.Context, audioKeys []string, speaker, callbackURL, callbackMethod string) error
}

// Executor is the scheduler handler for every pipeline queue. It runs
// one stage per item, records stage outputs in the job's result map,
// and enqueues the follow-on stages of the plan it carries.
type Executor struct {
	jobs      JobStore
	queues    Enqueuer
	inference InferenceClient

	// callbackBase is this service's own reachable base URL;
	// asynchronous stages hand callbackBase + "/internal/jobs/{id}" to
	// the remote service.
	callbackBase string
}

func NewExecutor(jobs JobStore, queues Enqueuer, inference InferenceClient, callbackBase string) *Executor {
	return &Executor{
		jobs:         jobs,
		queues:       queues,
		inference:    inference,
		callbackBase: callbackBase,
	}
}

// Handle implements scheduler.Handler. A pending status is returned
// whenever the job is not yet complete: more stages were enqueued, or
// the stage completes through an external callback.
func (e *Executor) Handle(ctx context.Context, jobID uuid.UUID, raw json.RawMessage) (*entity.JobStatus, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode stage payload: %w", err)
	}

	job, err := e.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		// An item can outlive its job: a fan-out sibling enqueued
		// before a later enqueue overflowed and aborted the job, or a
		// retried item whose job a callback already settled. Skip the
		// stage; the settled status stands.
		return &job.Status, nil
	}

	async, err := e.runStage(ctx, jobID, p.Stage)
	if err != nil {
		return nil, err
	}

	followOns := 0
	if len(p.Next) > 0 {
		next := Payload{
			Stage:    p.Next[0],
			Next:     p.Next[1:],
			FanOut:   p.FanOut,
			Final:    len(p.Next) == 1 && len(p.FanOut) == 0,
			MaxRetry: p.MaxRetry,
		}
		if err := enqueuePayload(ctx, e.queues, jobID, next); err != nil {
			return nil, err
		}
		followOns = 1
	} else if len(p.FanOut) > 0 {
		for _, st := range p.FanOut {
			fp := Payload{
				Stage:    st,
				Final:    len(p.FanOut) == 1,
				MaxRetry: p.MaxRetry,
			}
			if err := enqueuePayload(ctx, e.queues, jobID, fp); err != nil {
				return nil, err
			}
		}
		followOns = len(p.FanOut)
	}

	if async || followOns > 0 || !p.Final {
		st := entity.StatusPending
		return &st, nil
	}
	return nil, nil
}

// runStage performs the remote call for one stage and patches the
// job's result with the produced artifact key. async reports that the
// stage registered a callback instead of finishing synchronously.
func (e *Executor) runStage(ctx context.Context, jobID uuid.UUID, st Stage) (async bool, err error) {
	switch st.Kind {
	case StageSpeechSynth:
		key, err := e.inference.SynthesizeSpeech(ctx, st.Speech.Text, st.Speech.VoiceProfile)
		if err != nil {
			return false, err
		}
		return false, e.patch(ctx, jobID, "raw_audio_key", key)

	case StageVoiceConvert:
		raw, err := e.resultString(ctx, jobID, "raw_audio_key")
		if err != nil {
			return false, err
		}
		key, err := e.inference.ConvertVoice(ctx, raw, st.Convert.ModelName, st.Convert.Pitch)
		if err != nil {
			return false, err
		}
		return false, e.patch(ctx, jobID, "audio_key", key)

	case StageDirectTTS:
		key, err := e.inference.SynthesizeDirect(ctx, st.TTS.Text, st.TTS.ModelName)
		if err != nil {
			return false, err
		}
		return false, e.patch(ctx, jobID, "audio_key", key)

	case StageSubtitles:
		audio, err := e.resultString(ctx, jobID, "audio_key")
		if err != nil {
			return false, err
		}
		key, err := e.inference.GenerateSubtitles(ctx, audio, st.Subtitle.RefText)
		if err != nil {
			return false, err
		}
		return false, e.patch(ctx, jobID, "subtitle_key", key)

	case StageVideoSynth:
		audio, err := e.resultString(ctx, jobID, "audio_key")
		if err != nil {
			return false, err
		}
		// The render service runs one job at a time; block until it
		// reports ready before submitting.
		if err := e.inference.WaitVideoReady(ctx); err != nil {
			return false, err
		}
		if err := e.inference.SynthesizeVideo(ctx, audio, st.Video.Speaker, e.callbackURL(jobID), "put"); err != nil {
			return false, err
		}
		return true, nil

	case StageSliceAudio:
		keys, err := e.inference.SliceAudio(ctx, st.Slice.AudioKeys, st.Slice.MinLength, st.Slice.MaxLength, st.Slice.KeepSilent)
		if err != nil {
			return false, err
		}
		return false, e.patchAny(ctx, jobID, "slice_keys", keys)

	case StageVoiceTrain:
		if err := e.inference.WaitTrainReady(ctx); err != nil {
			return false, err
		}
		err := e.inference.TrainVoice(ctx, st.VoiceTrain.AudioKeys, st.VoiceTrain.ModelName, st.VoiceTrain.Epochs, e.callbackURL(jobID), "put")
		return true, err

	case StageAvatarTrain:
		if err := e.inference.WaitTrainReady(ctx); err != nil {
			return false, err
		}
		err := e.inference.TrainAvatar(ctx, st.AvatarTrain.AudioKeys, st.AvatarTrain.Speaker, e.callbackURL(jobID), "put")
		return true, err

	default:
		return false, fmt.Errorf("unknown stage kind %q", st.Kind)
	}
}

func (e *Executor) callbackURL(jobID uuid.UUID) string {
	return e.callbackBase + "/internal/jobs/" + jobID.String()
}

func (e *Executor) patch(ctx context.Context, jobID uuid.UUID, key, value string) error {
	return e.patchAny(ctx, jobID, key, value)
}

func (e *Executor) patchAny(ctx context.Context, jobID uuid.UUID, key string, value any) error {
	_, err := e.jobs.Update(ctx, jobID, nil, map[string]any{key: value})
	return err
}

// resultString fetches a prerequisite artifact key written by an
// earlier stage.
func (e *Executor) resultString(ctx context.Context, jobID uuid.UUID, key string) (string, error) {
	job, err := e.jobs.GetByID(ctx, jobID)
	if err != nil {
		return "", err
	}
	v, ok := job.Result[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: job %s has no %s", ErrMissingDependency, jobID, key)
	}
	return v, nil
}

// Package pipeline composes multi-stage inference jobs and executes
// their stages against the remote services.
//
// A caller's requested output set is resolved into a Plan (chain plus
// optional fan-out) and submitted either onto the local named queues
// or, when a distributed runner is configured, as one declarative
// chain/group call. Both modes hand back the job record's id.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"media-pipeline-service/internal/entity"
)

var (
	// ErrUnknownTechnology rejects a pipeline request whose voice
	// technology has no stage mapping. Raised before anything is
	// queued; a partially queued pipeline never occurs.
	ErrUnknownTechnology = errors.New("unknown voice technology")

	// ErrMissingDependency is raised by a stage whose expected
	// upstream result key is absent. It is an ordinary handler
	// failure, subject to the item's retry policy.
	ErrMissingDependency = errors.New("missing upstream result")
)

// Technology selects how the audio chain is synthesized.
type Technology string

const (
	// TechVoiceConvert chains plain TTS into voice conversion.
	TechVoiceConvert Technology = "voice_convert"
	// TechNeuralTTS synthesizes directly with a trained neural model.
	TechNeuralTTS Technology = "neural_tts"
)

// JobStore is the slice of the job repository the composer and the
// stage executor need.
type JobStore interface {
	Create(ctx context.Context) (*entity.Job, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	Update(ctx context.Context, id uuid.UUID, status *entity.JobStatus, patch map[string]any) (*entity.Job, error)
}

// Enqueuer routes queue items by queue name (scheduler.Manager in
// production).
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, item entity.QueueItem) error
}

// Runner submits a whole plan to an external distributed task runner
// that honors the same chain/fan-out contract remotely.
type Runner interface {
	Submit(ctx context.Context, plan Plan) (taskID string, err error)
}

// Request describes one synthesis pipeline invocation.
type Request struct {
	Text         string
	Technology   Technology
	ModelName    string
	VoiceProfile string
	Pitch        int
	Speaker      string

	WithVideo     bool
	WithSubtitles bool

	MaxRetry int
}

// TrainingKind selects a training pipeline.
type TrainingKind string

const (
	TrainVoice  TrainingKind = "voice"
	TrainAvatar TrainingKind = "avatar"
)

// TrainingRequest describes one training pipeline invocation.
type TrainingRequest struct {
	Kind      TrainingKind
	AudioKeys []string
	ModelName string
	Epochs    int
	Speaker   string

	MaxRetry int
}

type Composer struct {
	jobs   JobStore
	queues Enqueuer
	runner Runner // nil selects local mode
}

// NewComposer builds a composer in local mode (runner == nil) or
// remote mode. The modes never mix within one invocation.
func NewComposer(jobs JobStore, queues Enqueuer, runner Runner) *Composer {
	return &Composer{jobs: jobs, queues: queues, runner: runner}
}

// resolveChain is the static technology -> stage lookup.
func resolveChain(req Request) ([]Stage, error) {
	switch req.Technology {
	case TechVoiceConvert:
		return []Stage{
			{Kind: StageSpeechSynth, Speech: &SpeechArgs{Text: req.Text, VoiceProfile: req.VoiceProfile}},
			{Kind: StageVoiceConvert, Convert: &ConvertArgs{ModelName: req.ModelName, Pitch: req.Pitch}},
		}, nil
	case TechNeuralTTS:
		return []Stage{
			{Kind: StageDirectTTS, TTS: &TTSArgs{Text: req.Text, ModelName: req.ModelName}},
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTechnology, req.Technology)
	}
}

// Resolve turns a request into its concrete plan without submitting
// anything.
func Resolve(req Request) (Plan, error) {
	chain, err := resolveChain(req)
	if err != nil {
		return Plan{}, err
	}

	var fanOut []Stage
	if req.WithVideo {
		fanOut = append(fanOut, Stage{Kind: StageVideoSynth, Video: &VideoArgs{Speaker: req.Speaker}})
	}
	if req.WithSubtitles {
		fanOut = append(fanOut, Stage{Kind: StageSubtitles, Subtitle: &SubtitleArgs{RefText: req.Text}})
	}
	return Plan{Chain: chain, FanOut: fanOut}, nil
}

// Submit resolves and submits a synthesis pipeline and returns the job
// id the caller polls. An unresolvable request fails before any job or
// queue state exists.
func (c *Composer) Submit(ctx context.Context, req Request) (uuid.UUID, error) {
	plan, err := Resolve(req)
	if err != nil {
		return uuid.Nil, err
	}
	return c.submit(ctx, plan, req.MaxRetry)
}

// SubmitTraining builds and submits a training pipeline. Voice
// training fans out into {slice_audio, voice_train}; avatar training
// is a single stage.
func (c *Composer) SubmitTraining(ctx context.Context, req TrainingRequest) (uuid.UUID, error) {
	var plan Plan
	switch req.Kind {
	case TrainVoice:
		plan = Plan{
			FanOut: []Stage{
				{Kind: StageSliceAudio, Slice: &SliceArgs{
					AudioKeys: req.AudioKeys, MinLength: 8, MaxLength: 12, KeepSilent: 0.5,
				}},
				{Kind: StageVoiceTrain, VoiceTrain: &VoiceTrainArgs{
					AudioKeys: req.AudioKeys, ModelName: req.ModelName, Epochs: req.Epochs,
				}},
			},
		}
	case TrainAvatar:
		plan = Plan{
			Chain: []Stage{
				{Kind: StageAvatarTrain, AvatarTrain: &AvatarTrainArgs{
					AudioKeys: req.AudioKeys, Speaker: req.Speaker,
				}},
			},
		}
	default:
		return uuid.Nil, fmt.Errorf("%w: training kind %q", ErrUnknownTechnology, req.Kind)
	}
	return c.submit(ctx, plan, req.MaxRetry)
}

func (c *Composer) submit(ctx context.Context, plan Plan, maxRetry int) (uuid.UUID, error) {
	job, err := c.jobs.Create(ctx)
	if err != nil {
		return uuid.Nil, err
	}

	if c.runner != nil {
		taskID, err := c.runner.Submit(ctx, plan)
		if err != nil {
			c.abort(ctx, job.ID, err)
			return uuid.Nil, err
		}
		// Operators can trace the remote task; callers only ever see
		// the job id.
		if _, err := c.jobs.Update(ctx, job.ID, nil, map[string]any{"runner_task_id": taskID}); err != nil {
			return uuid.Nil, err
		}
		log.Printf("[pipeline] job_id=%s mode=remote task_id=%s", job.ID, taskID)
		return job.ID, nil
	}

	if err := c.enqueueLocal(ctx, job.ID, plan, maxRetry); err != nil {
		c.abort(ctx, job.ID, err)
		return uuid.Nil, err
	}
	log.Printf("[pipeline] job_id=%s mode=local stages=%d fan_out=%d",
		job.ID, len(plan.Chain), len(plan.FanOut))
	return job.ID, nil
}

// enqueueLocal appends the plan's first unit of work. A plan with a
// chain enqueues only its head; follow-on stages are enqueued by the
// executor as earlier stages finish. A chainless group starts all its
// fan-out stages at once.
func (c *Composer) enqueueLocal(ctx context.Context, jobID uuid.UUID, plan Plan, maxRetry int) error {
	if len(plan.Chain) > 0 {
		head := Payload{
			Stage:    plan.Chain[0],
			Next:     plan.Chain[1:],
			FanOut:   plan.FanOut,
			Final:    len(plan.Chain) == 1 && len(plan.FanOut) == 0,
			MaxRetry: maxRetry,
		}
		return enqueuePayload(ctx, c.queues, jobID, head)
	}
	for _, st := range plan.FanOut {
		p := Payload{
			Stage:    st,
			Final:    len(plan.FanOut) == 1,
			MaxRetry: maxRetry,
		}
		if err := enqueuePayload(ctx, c.queues, jobID, p); err != nil {
			return err
		}
	}
	return nil
}

// abort marks the job failed when submission itself failed, so the
// caller's poll surface reflects the outcome.
func (c *Composer) abort(ctx context.Context, jobID uuid.UUID, cause error) {
	failed := entity.StatusFailed
	if _, err := c.jobs.Update(ctx, jobID, &failed, map[string]any{"message": cause.Error()}); err != nil {
		log.Printf("[pipeline] job_id=%s abort update error=%v", jobID, err)
	}
}

func enqueuePayload(ctx context.Context, queues Enqueuer, jobID uuid.UUID, p Payload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode stage payload: %w", err)
	}
	return queues.Enqueue(ctx, queueFor(p.Stage.Kind), entity.QueueItem{
		JobID:    jobID,
		Payload:  raw,
		MaxRetry: p.MaxRetry,
	})
}

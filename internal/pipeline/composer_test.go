package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"media-pipeline-service/internal/entity"
	"media-pipeline-service/internal/pipeline"
	"media-pipeline-service/internal/queue"
)

// ---- fakes ----

type fakeJobs struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*entity.Job
	created int
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[uuid.UUID]*entity.Job{}}
}

func (f *fakeJobs) Create(ctx context.Context) (*entity.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := &entity.Job{ID: uuid.New(), Status: entity.StatusPending, Result: map[string]any{}}
	f.jobs[j.ID] = j
	f.created++
	cp := *j
	return &cp, nil
}

func (f *fakeJobs) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *j
	cp.Result = map[string]any{}
	for k, v := range j.Result {
		cp.Result[k] = v
	}
	return &cp, nil
}

func (f *fakeJobs) Update(ctx context.Context, id uuid.UUID, status *entity.JobStatus, patch map[string]any) (*entity.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	if status != nil && !j.Status.Terminal() {
		j.Status = *status
	}
	for k, v := range patch {
		j.Result[k] = v
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobs) get(id uuid.UUID) entity.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[id]
}

type fakeQueues struct {
	mu         sync.Mutex
	items      map[string][]entity.QueueItem
	enqueueErr error
	failAfter  int // accept this many items before enqueueErr applies
	accepted   int
}

func newFakeQueues() *fakeQueues {
	return &fakeQueues{items: map[string][]entity.QueueItem{}}
}

func (f *fakeQueues) Enqueue(ctx context.Context, name string, item entity.QueueItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil && f.accepted >= f.failAfter {
		return f.enqueueErr
	}
	f.accepted++
	f.items[name] = append(f.items[name], item)
	return nil
}

func (f *fakeQueues) pop(t *testing.T, name string) entity.QueueItem {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.items[name]
	if len(q) == 0 {
		t.Fatalf("queue %s is empty", name)
	}
	head := q[0]
	f.items[name] = q[1:]
	return head
}

func (f *fakeQueues) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, q := range f.items {
		n += len(q)
	}
	return n
}

type fakeRunner struct {
	taskID    string
	submitted []pipeline.Plan
	err       error
}

func (f *fakeRunner) Submit(ctx context.Context, plan pipeline.Plan) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.submitted = append(f.submitted, plan)
	return f.taskID, nil
}

func decodePayload(t *testing.T, item entity.QueueItem) pipeline.Payload {
	t.Helper()
	var p pipeline.Payload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return p
}

// ---- tests ----

func TestResolve_AudioOnly_ChainLengthByTechnology(t *testing.T) {
	tests := []struct {
		tech  pipeline.Technology
		kinds []pipeline.StageKind
	}{
		{pipeline.TechVoiceConvert, []pipeline.StageKind{pipeline.StageSpeechSynth, pipeline.StageVoiceConvert}},
		{pipeline.TechNeuralTTS, []pipeline.StageKind{pipeline.StageDirectTTS}},
	}
	for _, tt := range tests {
		plan, err := pipeline.Resolve(pipeline.Request{Text: "hello", Technology: tt.tech})
		if err != nil {
			t.Fatalf("%s: %v", tt.tech, err)
		}
		if len(plan.Chain) != len(tt.kinds) {
			t.Fatalf("%s: expected %d chain stages, got %d", tt.tech, len(tt.kinds), len(plan.Chain))
		}
		for i, k := range tt.kinds {
			if plan.Chain[i].Kind != k {
				t.Fatalf("%s: stage %d is %s, want %s", tt.tech, i, plan.Chain[i].Kind, k)
			}
		}
		if len(plan.FanOut) != 0 {
			t.Fatalf("%s: audio-only request must not fan out, got %d stages", tt.tech, len(plan.FanOut))
		}
	}
}

func TestResolve_VideoAndSubtitles_FanOutPair(t *testing.T) {
	plan, err := pipeline.Resolve(pipeline.Request{
		Text:          "hello",
		Technology:    pipeline.TechNeuralTTS,
		Speaker:       "anna",
		WithVideo:     true,
		WithSubtitles: true,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(plan.FanOut) != 2 {
		t.Fatalf("expected fan-out pair, got %d stages", len(plan.FanOut))
	}
	if plan.FanOut[0].Kind != pipeline.StageVideoSynth || plan.FanOut[1].Kind != pipeline.StageSubtitles {
		t.Fatalf("unexpected fan-out kinds: %s, %s", plan.FanOut[0].Kind, plan.FanOut[1].Kind)
	}
}

func TestSubmit_UnknownTechnology_NothingQueued(t *testing.T) {
	jobs := newFakeJobs()
	queues := newFakeQueues()
	c := pipeline.NewComposer(jobs, queues, nil)

	_, err := c.Submit(context.Background(), pipeline.Request{Text: "hi", Technology: "hologram"})
	if !errors.Is(err, pipeline.ErrUnknownTechnology) {
		t.Fatalf("expected ErrUnknownTechnology, got %v", err)
	}
	if jobs.created != 0 {
		t.Fatalf("no job may exist for an unresolvable request, created=%d", jobs.created)
	}
	if queues.total() != 0 {
		t.Fatalf("no items may be queued for an unresolvable request, total=%d", queues.total())
	}
}

func TestSubmit_Local_EnqueuesChainHeadOnly(t *testing.T) {
	jobs := newFakeJobs()
	queues := newFakeQueues()
	c := pipeline.NewComposer(jobs, queues, nil)

	jobID, err := c.Submit(context.Background(), pipeline.Request{
		Text:       "hello",
		Technology: pipeline.TechVoiceConvert,
		ModelName:  "voice-a",
		WithVideo:  true,
		MaxRetry:   2,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if queues.total() != 1 {
		t.Fatalf("expected exactly the chain head queued, total=%d", queues.total())
	}
	item := queues.pop(t, pipeline.QueueText2Audio)
	if item.JobID != jobID {
		t.Fatalf("item job id %s, want %s", item.JobID, jobID)
	}
	if item.MaxRetry != 2 {
		t.Fatalf("expected max_retry=2 on item, got %d", item.MaxRetry)
	}

	p := decodePayload(t, item)
	if p.Stage.Kind != pipeline.StageSpeechSynth {
		t.Fatalf("head stage is %s, want %s", p.Stage.Kind, pipeline.StageSpeechSynth)
	}
	if len(p.Next) != 1 || p.Next[0].Kind != pipeline.StageVoiceConvert {
		t.Fatalf("unexpected remaining chain: %+v", p.Next)
	}
	if len(p.FanOut) != 1 || p.FanOut[0].Kind != pipeline.StageVideoSynth {
		t.Fatalf("unexpected fan-out: %+v", p.FanOut)
	}
	if p.Final {
		t.Fatal("head of a multi-stage plan must not be final")
	}
}

func TestSubmit_Remote_NormalizedHandle(t *testing.T) {
	jobs := newFakeJobs()
	queues := newFakeQueues()
	runner := &fakeRunner{taskID: "runner-task-42"}
	c := pipeline.NewComposer(jobs, queues, runner)

	jobID, err := c.Submit(context.Background(), pipeline.Request{
		Text:          "hello",
		Technology:    pipeline.TechNeuralTTS,
		WithSubtitles: true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if queues.total() != 0 {
		t.Fatal("remote mode must not touch local queues")
	}
	if len(runner.submitted) != 1 {
		t.Fatalf("expected one runner submission, got %d", len(runner.submitted))
	}
	j := jobs.get(jobID)
	if j.Result["runner_task_id"] != "runner-task-42" {
		t.Fatalf("expected runner task id recorded, got %v", j.Result["runner_task_id"])
	}
}

func TestSubmit_QueueFull_AbortsJob(t *testing.T) {
	jobs := newFakeJobs()
	queues := newFakeQueues()
	queues.enqueueErr = queue.ErrQueueFull
	c := pipeline.NewComposer(jobs, queues, nil)

	jobID, err := c.Submit(context.Background(), pipeline.Request{
		Text:       "hello",
		Technology: pipeline.TechNeuralTTS,
	})
	if !errors.Is(err, queue.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if jobID != uuid.Nil {
		t.Fatal("no usable handle on a failed submission")
	}
	// The created record is failed so polls reflect the outcome.
	for _, j := range jobs.jobs {
		if j.Status != entity.StatusFailed {
			t.Fatalf("expected aborted job to be failed, got %s", j.Status)
		}
	}
}

func TestSubmitTraining_VoiceFansOut(t *testing.T) {
	jobs := newFakeJobs()
	queues := newFakeQueues()
	c := pipeline.NewComposer(jobs, queues, nil)

	jobID, err := c.SubmitTraining(context.Background(), pipeline.TrainingRequest{
		Kind:      pipeline.TrainVoice,
		AudioKeys: []string{"ref-1", "ref-2"},
		ModelName: "voice-a",
		Epochs:    200,
	})
	if err != nil {
		t.Fatalf("submit training: %v", err)
	}

	first := decodePayload(t, queues.pop(t, pipeline.QueueTrainAudio))
	second := decodePayload(t, queues.pop(t, pipeline.QueueTrainAudio))
	if first.Stage.Kind != pipeline.StageSliceAudio || second.Stage.Kind != pipeline.StageVoiceTrain {
		t.Fatalf("unexpected training stages: %s, %s", first.Stage.Kind, second.Stage.Kind)
	}
	if first.Final || second.Final {
		t.Fatal("neither member of a fan-out pair may be final")
	}
	if jobs.get(jobID).Status != entity.StatusPending {
		t.Fatal("training job must start pending")
	}
}

func TestSubmitTraining_AvatarSingleStage(t *testing.T) {
	jobs := newFakeJobs()
	queues := newFakeQueues()
	c := pipeline.NewComposer(jobs, queues, nil)

	if _, err := c.SubmitTraining(context.Background(), pipeline.TrainingRequest{
		Kind:      pipeline.TrainAvatar,
		AudioKeys: []string{"ref-1"},
		Speaker:   "anna",
	}); err != nil {
		t.Fatalf("submit training: %v", err)
	}

	p := decodePayload(t, queues.pop(t, pipeline.QueueTrainVideo))
	if p.Stage.Kind != pipeline.StageAvatarTrain {
		t.Fatalf("unexpected stage %s", p.Stage.Kind)
	}
	if !p.Final {
		t.Fatal("single-stage plan must be final")
	}
}

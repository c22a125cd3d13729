package pipeline

// Stage kinds and their queue item payloads. Payloads are a tagged
// union: Kind selects which args struct is populated, decoded once
// when the item is dequeued.

type StageKind string

const (
	// StageSpeechSynth is plain TTS with a named voice profile, the
	// first half of the voice-conversion chain.
	StageSpeechSynth StageKind = "text_to_speech"
	// StageVoiceConvert refines StageSpeechSynth output with a trained
	// voice model.
	StageVoiceConvert StageKind = "voice_convert"
	// StageDirectTTS is single-stage neural TTS.
	StageDirectTTS StageKind = "tts_direct"
	// StageVideoSynth renders a talking-head video. Asynchronous:
	// completion arrives through the callback surface.
	StageVideoSynth StageKind = "video_synthesis"
	// StageSubtitles generates a subtitle file for the audio artifact.
	StageSubtitles StageKind = "subtitle_generation"

	StageSliceAudio  StageKind = "slice_audio"
	StageVoiceTrain  StageKind = "voice_train"
	StageAvatarTrain StageKind = "avatar_train"
)

// Named queues, one per workload class. Audio-only stages tolerate two
// concurrent executions; video and training are GPU-singleton bound.
const (
	QueueText2Audio  = "INFER_TEXT2AUDIO"
	QueueAudio2Video = "INFER_AUDIO2VIDEO"
	QueueTrainAudio  = "TRAIN_AUDIO"
	QueueTrainVideo  = "TRAIN_VIDEO"
)

// queueFor maps a stage kind onto the queue that executes it.
func queueFor(kind StageKind) string {
	switch kind {
	case StageVideoSynth:
		return QueueAudio2Video
	case StageSliceAudio, StageVoiceTrain:
		return QueueTrainAudio
	case StageAvatarTrain:
		return QueueTrainVideo
	default:
		return QueueText2Audio
	}
}

type SpeechArgs struct {
	Text         string `json:"text"`
	VoiceProfile string `json:"voice_profile"`
}

type ConvertArgs struct {
	ModelName string `json:"model_name"`
	Pitch     int    `json:"pitch"`
}

type TTSArgs struct {
	Text      string `json:"text"`
	ModelName string `json:"model_name"`
}

type VideoArgs struct {
	Speaker string `json:"speaker"`
}

type SubtitleArgs struct {
	RefText string `json:"ref_text"`
}

type SliceArgs struct {
	AudioKeys  []string `json:"audio_keys"`
	MinLength  int      `json:"min_length"`
	MaxLength  int      `json:"max_length"`
	KeepSilent float64  `json:"keep_silent"`
}

type VoiceTrainArgs struct {
	AudioKeys []string `json:"audio_keys"`
	ModelName string   `json:"model_name"`
	Epochs    int      `json:"epochs"`
}

type AvatarTrainArgs struct {
	AudioKeys []string `json:"audio_keys"`
	Speaker   string   `json:"speaker"`
}

// Stage is one remote call in a pipeline graph. Exactly the args
// struct matching Kind is set.
type Stage struct {
	Kind StageKind `json:"kind"`

	Speech      *SpeechArgs      `json:"speech,omitempty"`
	Convert     *ConvertArgs     `json:"convert,omitempty"`
	TTS         *TTSArgs         `json:"tts,omitempty"`
	Video       *VideoArgs       `json:"video,omitempty"`
	Subtitle    *SubtitleArgs    `json:"subtitle,omitempty"`
	Slice       *SliceArgs       `json:"slice,omitempty"`
	VoiceTrain  *VoiceTrainArgs  `json:"voice_train,omitempty"`
	AvatarTrain *AvatarTrainArgs `json:"avatar_train,omitempty"`
}

// Plan is the resolved pipeline graph: a linear chain followed by an
// optional fan-out whose stages depend only on the chain's final
// output, never on each other.
type Plan struct {
	Chain  []Stage `json:"chain"`
	FanOut []Stage `json:"fan_out,omitempty"`
}

// Payload is what a queue item carries: the stage to run now plus the
// remainder of the plan, so a stage handler can enqueue its follow-on
// stages. Final marks the payload whose synchronous completion
// terminates the job; asynchronous stages terminate through their
// callback instead.
type Payload struct {
	Stage    Stage   `json:"stage"`
	Next     []Stage `json:"next,omitempty"`
	FanOut   []Stage `json:"fan_out,omitempty"`
	Final    bool    `json:"final"`
	MaxRetry int     `json:"max_retry"`
}

package wsdevice

// Message types sent by the client.
const (
	TypeHello           = "hello"
	TypeMic             = "mic"
	TypeStart           = "start"
	TypeStop            = "stop"
	TypeStopAll         = "stop_all"
	TypeContinuous      = "continuous"
	TypeLanguage        = "language"
	TypeSensitivity     = "sensitivity"
	TypePlaybackDone    = "playback_done"
	TypePlaybackBlocked = "playback_blocked"
	TypeClearContext    = "clear_context"
)

// Message types sent by the server. [TypeLanguage] is used in both
// directions.
const (
	TypeReady       = "ready"
	TypeState       = "state"
	TypeTranscript  = "transcript"
	TypeIndicator   = "indicator"
	TypeCapture     = "capture"
	TypeCalibrating = "calibrating"
	TypeAudio       = "audio"
	TypeAudioStop   = "audio_stop"
	TypeError       = "error"
)

// Microphone permission answers carried by [TypeMic].
const (
	MicGranted     = "granted"
	MicDenied      = "denied"
	MicUnavailable = "unavailable"
)

// CodecOpus selects Opus-encoded microphone frames in [TypeHello]. Any other
// value means raw little-endian 16-bit PCM.
const CodecOpus = "opus"

// Message is one JSON control message. Only the fields relevant to Type are
// set.
type Message struct {
	Type string `json:"type"`

	// hello
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Codec      string `json:"codec,omitempty"`

	// mic
	Status string `json:"status,omitempty"`

	// continuous, capture, indicator, calibrating
	Enabled *bool `json:"enabled,omitempty"`

	// language, ready
	Language string `json:"language,omitempty"`

	// sensitivity, ready
	Sensitivity int `json:"sensitivity,omitempty"`

	// audio, playback_done, playback_blocked
	ID       int64  `json:"id,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`

	// state
	State string `json:"state,omitempty"`

	// transcript, audio
	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`

	// ready
	SessionID  string `json:"session_id,omitempty"`
	Continuous *bool  `json:"continuous,omitempty"`

	// error
	Code   string `json:"code,omitempty"`
	Detail string `json:"message,omitempty"`
}

// Bool returns a pointer to b for the optional flag fields.
func Bool(b bool) *bool { return &b }

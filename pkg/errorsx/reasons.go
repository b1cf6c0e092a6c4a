package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonTransportAttach           ReasonCode = "transport_attach"
	ReasonTransportClosed           ReasonCode = "transport_closed"
	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonTransportCodec            ReasonCode = "transport_codec"
	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"

	ReasonSTTConnect   ReasonCode = "stt_connect"
	ReasonSTTSend      ReasonCode = "stt_send"
	ReasonSTTStream    ReasonCode = "stt_stream"
	ReasonSTTRateLimit ReasonCode = "stt_rate_limit"

	ReasonTTSConnect   ReasonCode = "tts_connect"
	ReasonTTSStream    ReasonCode = "tts_stream"
	ReasonTTSRateLimit ReasonCode = "tts_rate_limit"

	ReasonDialogueTimeout ReasonCode = "dialogue_timeout"
	ReasonDialogueEngine  ReasonCode = "dialogue_engine"

	ReasonLLMGenerate    ReasonCode = "llm_generate"
	ReasonLLMRateLimit   ReasonCode = "llm_rate_limit"
	ReasonLLMCircuitOpen ReasonCode = "llm_circuit_open"

	ReasonSessionDuplicate ReasonCode = "session_duplicate"
	ReasonSessionNotFound  ReasonCode = "session_not_found"
	ReasonSessionDraining  ReasonCode = "session_draining"

	ReasonSinkWrite  ReasonCode = "sink_write"
	ReasonStoreWrite ReasonCode = "store_write"
	ReasonStoreRead  ReasonCode = "store_read"
)

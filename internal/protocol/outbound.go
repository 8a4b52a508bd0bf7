package protocol

// ExtractedField is a committed (label, value) pair surfaced to clients.
type ExtractedField struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// ConnectedMsg is the first server message after a successful open.
type ConnectedMsg struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionId"`
	CurrentStep int    `json:"currentStep"`
	TotalSteps  int    `json:"totalSteps"`
	Instruction string `json:"instruction"`
}

// AnalyzingMsg signals a frame was accepted for analysis.
type AnalyzingMsg struct {
	Type string `json:"type"`
}

// AnalysisMsg reports the outcome of one frame analysis.
type AnalysisMsg struct {
	Type           string           `json:"type"`
	MatchesSuccess bool             `json:"matchesSuccess"`
	Confidence     float64          `json:"confidence"`
	ExtractedData  []ExtractedField `json:"extractedData"`
	URLVerified    *bool            `json:"urlVerified,omitempty"`
}

// StepCompleteMsg announces advancement to the next step.
type StepCompleteMsg struct {
	Type            string `json:"type"`
	CurrentStep     int    `json:"currentStep"`
	TotalSteps      int    `json:"totalSteps"`
	NextInstruction string `json:"nextInstruction"`
}

// CompletedMsg announces terminal completion of the session.
type CompletedMsg struct {
	Type          string           `json:"type"`
	Message       string           `json:"message"`
	ExtractedData []ExtractedField `json:"extractedData"`
}

// AudioMsg carries synthesized speech plus its transcript.
type AudioMsg struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	AudioData string `json:"audioData"`
}

// InstructionMsg is the text-only fallback when TTS fails.
type InstructionMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ErrorMsg is the uniform client-facing failure message.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PongMsg answers a ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ChallengeMsg announces an interaction challenge.
type ChallengeMsg struct {
	Type        string `json:"type"`
	ChallengeID string `json:"challengeId"`
	Instruction string `json:"instruction"`
	TimeoutMs   int64  `json:"timeoutMs"`
}

func Connected(sessionID string, current, total int, instruction string) ConnectedMsg {
	return ConnectedMsg{Type: "connected", SessionID: sessionID, CurrentStep: current, TotalSteps: total, Instruction: instruction}
}

func Analyzing() AnalyzingMsg {
	return AnalyzingMsg{Type: "analyzing"}
}

func Analysis(matches bool, confidence float64, extracted []ExtractedField, urlVerified *bool) AnalysisMsg {
	if extracted == nil {
		extracted = []ExtractedField{}
	}
	return AnalysisMsg{Type: "analysis", MatchesSuccess: matches, Confidence: confidence, ExtractedData: extracted, URLVerified: urlVerified}
}

func StepComplete(current, total int, next string) StepCompleteMsg {
	return StepCompleteMsg{Type: "stepComplete", CurrentStep: current, TotalSteps: total, NextInstruction: next}
}

func Completed(message string, extracted []ExtractedField) CompletedMsg {
	if extracted == nil {
		extracted = []ExtractedField{}
	}
	return CompletedMsg{Type: "completed", Message: message, ExtractedData: extracted}
}

func Audio(text, audioBase64 string) AudioMsg {
	return AudioMsg{Type: "audio", Text: text, AudioData: audioBase64}
}

func Instruction(text string) InstructionMsg {
	return InstructionMsg{Type: "instruction", Text: text}
}

func Error(message string) ErrorMsg {
	return ErrorMsg{Type: "error", Message: message}
}

func Pong() PongMsg {
	return PongMsg{Type: "pong"}
}

func Challenge(id, instruction string, timeoutMs int64) ChallengeMsg {
	return ChallengeMsg{Type: "challenge", ChallengeID: id, Instruction: instruction, TimeoutMs: timeoutMs}
}

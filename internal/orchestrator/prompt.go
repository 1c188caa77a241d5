package orchestrator

import (
	"fmt"

	"github.com/MrWong99/voiceloop/internal/transcribe"
)

// DefaultSilencePrompt asks whether the user is still there and repeats the
// question in the conversation language. Unknown languages get English.
func DefaultSilencePrompt(lang, question string) string {
	switch transcribe.PrimarySubtag(lang) {
	case "de":
		return fmt.Sprintf("Sind Sie noch da? Ich hatte gefragt: %s", question)
	case "fr":
		return fmt.Sprintf("Vous êtes toujours là ? Je vous demandais : %s", question)
	case "es":
		return fmt.Sprintf("¿Sigue ahí? Le preguntaba: %s", question)
	default:
		return fmt.Sprintf("Are you still there? I asked: %s", question)
	}
}

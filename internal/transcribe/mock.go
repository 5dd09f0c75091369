package transcribe

import (
	"context"
	"fmt"
	"path/filepath"
)

type mockTranscriber struct{}

func NewMock() Transcriber {
	return mockTranscriber{}
}

func (mockTranscriber) Transcribe(_ context.Context, audioPath string) (string, error) {
	return fmt.Sprintf("[mock transcript of %s]", filepath.Base(audioPath)), nil
}

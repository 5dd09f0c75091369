package extract

import (
	"context"
	"fmt"
	"unicode/utf8"
)

type mockExtractor struct{}

func NewMock() Extractor {
	return mockExtractor{}
}

func (mockExtractor) Extract(_ context.Context, transcript string) (string, error) {
	return fmt.Sprintf("[mock notes for transcript length=%d]", utf8.RuneCountInString(transcript)), nil
}

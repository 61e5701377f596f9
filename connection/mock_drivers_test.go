package connection

import (
	"context"
	"errors"
	"regexp"
)

type MockChannel struct {
	WriteFunc          func(b []byte) error
	WriteLineFunc      func(b []byte) error
	ReadAvailableFunc  func() ([]byte, error)
	ReadUntilMatchFunc func(ctx context.Context, patterns ...*regexp.Regexp) ([]byte, error)
	CloseFunc          func() error
}

func (m *MockChannel) Write(b []byte) error {
	if m.WriteFunc != nil {
		return m.WriteFunc(b)
	}
	return nil
}

func (m *MockChannel) WriteLine(b []byte) error {
	if m.WriteLineFunc != nil {
		return m.WriteLineFunc(b)
	}
	return nil
}

func (m *MockChannel) ReadAvailable() ([]byte, error) {
	if m.ReadAvailableFunc != nil {
		return m.ReadAvailableFunc()
	}
	return nil, nil
}

func (m *MockChannel) ReadUntilMatch(ctx context.Context, patterns ...*regexp.Regexp) ([]byte, error) {
	if m.ReadUntilMatchFunc != nil {
		return m.ReadUntilMatchFunc(ctx, patterns...)
	}
	return nil, errors.New("mock not implemented")
}

func (m *MockChannel) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

type MockOpener struct {
	OpenFunc func(ctx context.Context, cfg *SessionConfig) (Channel, error)
}

func (m *MockOpener) Open(ctx context.Context, cfg *SessionConfig) (Channel, error) {
	if m.OpenFunc != nil {
		return m.OpenFunc(ctx, cfg)
	}
	return nil, errors.New("mock not implemented")
}

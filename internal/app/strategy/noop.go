package strategy

import "context"

// Noop observes ticks and data without ever trading. Useful for monitoring
// runs and as the minimal end-to-end fixture.
type Noop struct {
	symbols []string
}

var _ Strategy = (*Noop)(nil)

func noopMetadata() Metadata {
	return Metadata{
		Name:        "noop",
		Version:     "1.0.0",
		DisplayName: "No-Op",
		Description: "Consumes ticks and windows without placing orders",
		Config:      nil,
		Events:      []string{"clock.Tick", "data.WindowReady"},
		Source:      "builtin",
	}
}

// NewNoop builds a Noop strategy. The config map is ignored.
func NewNoop(_ map[string]any) (Strategy, error) {
	return &Noop{symbols: nil}, nil
}

// Initialize records the run's symbols.
func (s *Noop) Initialize(_ context.Context, symbols []string) error {
	s.symbols = append([]string(nil), symbols...)
	return nil
}

// OnTick returns no actions.
func (s *Noop) OnTick(context.Context, Tick) ([]Action, error) {
	return nil, nil
}

// OnData returns no actions.
func (s *Noop) OnData(context.Context, Window) ([]Action, error) {
	return nil, nil
}

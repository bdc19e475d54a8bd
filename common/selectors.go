package common

import "context"

// ElementHandle is a DOM element resolved by a selector engine.
type ElementHandle interface {
	// Preview is a short human readable description of the element.
	Preview() string
	IsVisible(ctx context.Context) (bool, error)
	// The actions return an error of kind ErrorKindNotConnected when the
	// element was removed from the DOM in the meantime.
	Click(ctx context.Context) error
	Fill(ctx context.Context, value string) error
	Press(ctx context.Context, key string) error
	Dispose()
}

// Selectors resolves selectors and evaluates assertions inside an
// execution context.
type Selectors interface {
	QueryAll(ctx context.Context, ec ExecutionContext, selector string) ([]ElementHandle, error)
	Expect(
		ctx context.Context, ec ExecutionContext, elements []ElementHandle, opts *FrameExpectOptions,
	) (matches bool, received any, err error)
}

func disposeAll(elements []ElementHandle) {
	for _, e := range elements {
		e.Dispose()
	}
}

func previews(elements []ElementHandle) []string {
	out := make([]string, len(elements))
	for i, e := range elements {
		out[i] = e.Preview()
	}
	return out
}

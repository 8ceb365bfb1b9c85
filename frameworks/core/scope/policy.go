package scope

import (
	"strings"

	"github.com/pkg/errors"
)

// Policy decides which nesting level of a scope fires an interceptor. It is
// fixed per call site when the method is woven.
type Policy uint8

const (
	// Always fires on every nesting level.
	Always Policy = iota
	// Boundary fires only on the outermost invocation of the scope.
	Boundary
	// Internal fires only inside an invocation that already fired.
	Internal
)

var ErrUnknownPolicy = errors.New("unknown execution policy")

func (p Policy) String() string {
	switch p {
	case Always:
		return "ALWAYS"
	case Boundary:
		return "BOUNDARY"
	case Internal:
		return "INTERNAL"
	}
	return "UNKNOWN"
}

func (p Policy) Valid() bool {
	return p <= Internal
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ALWAYS":
		return Always, nil
	case "", "BOUNDARY":
		return Boundary, nil
	case "INTERNAL":
		return Internal, nil
	}
	return 0, errors.Wrapf(ErrUnknownPolicy, "%q", s)
}

func (p Policy) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, errors.Wrapf(ErrUnknownPolicy, "%d", uint8(p))
	}
	return []byte(p.String()), nil
}

func (p *Policy) UnmarshalText(text []byte) error {
	v, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

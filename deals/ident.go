package deals

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
)

// IDPrefix marks every deal identifier.
const IDPrefix = "#"

const maxIDDigits = 6

// IDGenerator produces candidate deal identifiers. Uniqueness is enforced by
// the registry, which asks for another candidate on collision.
type IDGenerator interface {
	Next() string
}

// RandomIDs yields "#" + one uppercase letter + 1 to 6 digits, e.g. "#K4821".
type RandomIDs struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomIDs seeds a generator. Equal seeds yield equal sequences.
func NewRandomIDs(seed1, seed2 uint64) *RandomIDs {
	return &RandomIDs{rnd: rand.New(rand.NewPCG(seed1, seed2))}
}

// Next returns a fresh candidate identifier.
func (g *RandomIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var b strings.Builder
	b.WriteString(IDPrefix)
	b.WriteByte(byte('A' + g.rnd.IntN(26)))
	digits := 1 + g.rnd.IntN(maxIDDigits)
	for i := 0; i < digits; i++ {
		b.WriteString(strconv.Itoa(g.rnd.IntN(10)))
	}
	return b.String()
}

// ValidID reports whether id has the deal identifier shape.
func ValidID(id string) bool {
	rest, ok := strings.CutPrefix(id, IDPrefix)
	if !ok || len(rest) < 2 || len(rest) > maxIDDigits+1 {
		return false
	}
	if rest[0] < 'A' || rest[0] > 'Z' {
		return false
	}
	for _, c := range rest[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// NormalizeID accepts user-typed ids such as "k4821" or "#K4821".
func NormalizeID(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(s, IDPrefix) {
		s = IDPrefix + s
	}
	return s
}

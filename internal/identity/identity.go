//go:generate go run go.uber.org/mock/mockgen -source=identity.go -destination=mocks/mock_identity.go -package=mocks

// Package identity generates default display names and avatar URLs for
// newly connected chat users.
package identity

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"
)

const (
	namePrefix          = "User_"
	defaultMaxAttempts  = 8
	avatarURLTemplate   = "https://avatar.iran.liara.run/public/%s?username=%s"
	minGeneratedNameNum = 1000
	maxGeneratedNameNum = 9999
)

// Style selects the avatar artwork family.
type Style string

const (
	StyleBoy  Style = "boy"
	StyleGirl Style = "girl"
)

// NameChecker reports whether a display name is held by a connected user.
type NameChecker interface {
	Taken(name string) bool
}

// Generator produces User_NNNN style names that are unique among the names
// a NameChecker reports at call time.
type Generator struct {
	mu          sync.Mutex
	rnd         *rand.Rand
	maxAttempts int
}

// NewGenerator returns a Generator seeded from the wall clock.
func NewGenerator() *Generator {
	seed := uint64(time.Now().UnixNano())
	return NewGeneratorWithSource(rand.NewPCG(seed, seed>>1|1))
}

// NewGeneratorWithSource returns a Generator drawing from src.
func NewGeneratorWithSource(src rand.Source) *Generator {
	return &Generator{rnd: rand.New(src), maxAttempts: defaultMaxAttempts}
}

// Name returns a name not currently taken. Random candidates are tried a
// bounded number of times; after that the last candidate is disambiguated
// with a numeric suffix, so Name always terminates with a free name.
func (g *Generator) Name(names NameChecker) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var candidate string
	for range g.maxAttempts {
		candidate = fmt.Sprintf("%s%d", namePrefix, minGeneratedNameNum+g.rnd.IntN(maxGeneratedNameNum-minGeneratedNameNum+1))
		if !names.Taken(candidate) {
			return candidate
		}
	}

	for n := 2; ; n++ {
		suffixed := fmt.Sprintf("%s_%d", candidate, n)
		if !names.Taken(suffixed) {
			return suffixed
		}
	}
}

// StyleFor derives a stable avatar style from seed, typically the
// connection id.
func StyleFor(seed string) Style {
	h := fnv.New32a()
	_, _ = h.Write([]byte(seed))
	if h.Sum32()%2 == 0 {
		return StyleBoy
	}
	return StyleGirl
}

// AvatarFor is a pure function of the display name and style.
func AvatarFor(name string, style Style) string {
	if style != StyleGirl {
		style = StyleBoy
	}
	return fmt.Sprintf(avatarURLTemplate, style, url.QueryEscape(name))
}

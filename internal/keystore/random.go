package keystore

import (
	"sync"

	"github.com/brianvoe/gofakeit/v7"
)

// RandomProvider generates random alphabetic keys of a fixed size. It is never exhausted.
type RandomProvider struct {
	mu    sync.Mutex
	faker *gofakeit.Faker
	size  uint
}

// NewRandomProvider creates a provider of keys of length size (minimum 1).
func NewRandomProvider(size int) *RandomProvider {
	if size <= 0 {
		size = 1
	}
	return &RandomProvider{
		faker: gofakeit.New(0), // Random seed
		size:  uint(size),
	}
}

// Get returns a fresh random key.
func (p *RandomProvider) Get() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.faker.LetterN(p.size), true
}

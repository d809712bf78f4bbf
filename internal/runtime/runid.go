package runtime

import "math/rand/v2"

const (
	vowels     = "aeiou"
	consonants = "bcdfghjklmnpqrstvwxyz"
)

// NewRunID returns a short pronounceable id such as "bacedi". Cloud
// resources created by a run are tagged with it.
func NewRunID() string {
	b := make([]byte, 0, 6)
	for i := 0; i < 3; i++ {
		b = append(b, consonants[rand.IntN(len(consonants))], vowels[rand.IntN(len(vowels))])
	}
	return string(b)
}

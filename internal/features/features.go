// Package features turns per-song metadata into the fixed-size numeric
// vectors that feed the non-recurrent side of the network. One vector is
// produced per lane; lanes without metadata get the zero vector.
package features

import (
	"bytes"
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// Song is one metadata record from the corpus manifest.
type Song struct {
	Artist   string   `json:"artist"`
	Year     int      `json:"year"`
	Featured []string `json:"featured,omitempty"`
}

// Dim is the width of the metadata vector: artist slot, year slot and
// featured-artist count.
const Dim = 3

// Extractor maps songs to normalized feature vectors. Artist IDs are dense,
// assigned in first-seen order over the songs the extractor was built from.
type Extractor struct {
	artists map[string]int
	minYear int
	maxYear int
}

// NewExtractor builds an extractor over the given songs.
func NewExtractor(songs []Song) *Extractor {
	e := &Extractor{artists: make(map[string]int)}
	for _, s := range songs {
		if _, ok := e.artists[s.Artist]; !ok {
			e.artists[s.Artist] = len(e.artists)
		}
		if s.Year != 0 {
			if e.minYear == 0 || s.Year < e.minYear {
				e.minYear = s.Year
			}
			if s.Year > e.maxYear {
				e.maxYear = s.Year
			}
		}
	}
	return e
}

// Vector returns the feature vector for one song. All components are scaled
// to [0, 1] so they can be projected alongside the recurrent activations.
func (e *Extractor) Vector(s Song) []float32 {
	v := make([]float32, Dim)
	if n := len(e.artists); n > 1 {
		if id, ok := e.artists[s.Artist]; ok {
			v[0] = float32(id) / float32(n-1)
		}
	}
	if span := e.maxYear - e.minYear; span > 0 && s.Year != 0 {
		v[1] = float32(s.Year-e.minYear) / float32(span)
	}
	if len(s.Featured) > 0 {
		v[2] = float32(len(s.Featured)) / float32(len(s.Featured)+1)
	}
	return v
}

// LaneVectors assigns songs round-robin to lanes and returns one vector per
// lane. With fewer songs than lanes the remaining lanes get zero vectors.
func (e *Extractor) LaneVectors(songs []Song, lanes int) [][]float32 {
	out := make([][]float32, lanes)
	for i := range out {
		if len(songs) > 0 {
			out[i] = e.Vector(songs[i%len(songs)])
		} else {
			out[i] = make([]float32, Dim)
		}
	}
	return out
}

// LoadSongs reads a newline-delimited JSON metadata manifest.
func LoadSongs(path string) ([]Song, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var songs []Song
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var s Song
		if err := dec.Decode(&s); err != nil {
			return nil, fmt.Errorf("features: decode %s: %w", path, err)
		}
		songs = append(songs, s)
	}
	return songs, nil
}

package audio

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// RepeatMode controls what happens when the rotation runs out of tracks.
type RepeatMode int

const (
	RepeatNone RepeatMode = iota
	RepeatOne
	RepeatAll
)

const lastPlayedFile = "last_played.txt"

// libraryPattern matches every supported audio extension, any depth.
const libraryPattern = "**/*.{mp3,aac,m4a,wav,flac,ogg,opus}"

// Selector chooses the next audio track. Priority order: shuffle pick,
// explicit request queue, repeat-one, then library rotation. The last
// selection is persisted next to the library and restored on startup.
type Selector struct {
	dir string
	log *zap.Logger

	mu       sync.Mutex
	library  []string
	queue    []string
	rotation int
	shuffle  bool
	repeat   RepeatMode
	current  string
	rng      *rand.Rand

	onTrackFinished func()
}

func NewSelector(dir string, log *zap.Logger) (*Selector, error) {
	s := &Selector{
		dir:    dir,
		log:    log.Named("audio"),
		repeat: RepeatAll,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if err := s.Rescan(); err != nil {
		return nil, err
	}
	s.restoreLastPlayed()
	return s, nil
}

// Rescan rebuilds the library from the filesystem.
func (s *Selector) Rescan() error {
	matches, err := doublestar.Glob(os.DirFS(s.dir), libraryPattern)
	if err != nil {
		return fmt.Errorf("failed to scan audio library: %w", err)
	}

	library := make([]string, 0, len(matches))
	for _, m := range matches {
		library = append(library, filepath.Join(s.dir, m))
	}
	sort.Strings(library)

	s.mu.Lock()
	s.library = library
	if s.rotation >= len(library) {
		s.rotation = 0
	}
	s.mu.Unlock()

	s.log.Info("audio library scanned", zap.Int("tracks", len(library)))
	return nil
}

// SetShuffle toggles random selection.
func (s *Selector) SetShuffle(v bool) {
	s.mu.Lock()
	s.shuffle = v
	s.mu.Unlock()
}

// SetRepeat sets the repeat mode.
func (s *Selector) SetRepeat(mode RepeatMode) {
	s.mu.Lock()
	s.repeat = mode
	s.mu.Unlock()
}

// Enqueue appends an explicit track request, served before the rotation.
func (s *Selector) Enqueue(path string) {
	s.mu.Lock()
	s.queue = append(s.queue, path)
	s.mu.Unlock()
}

// SetTrackFinishedHandler installs the callback invoked when playback of the
// current track completes.
func (s *Selector) SetTrackFinishedHandler(h func()) {
	s.mu.Lock()
	s.onTrackFinished = h
	s.mu.Unlock()
}

// NotifyTrackFinished reports end of playback for the current track.
func (s *Selector) NotifyTrackFinished() {
	s.mu.Lock()
	h := s.onTrackFinished
	s.mu.Unlock()
	if h != nil {
		h()
	}
}

// Current returns the last selected track path.
func (s *Selector) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// TryGetNext picks the next track. Policy, in order: shuffle from the
// library, the explicit queue, repeat-one of the current track, then the
// rotation (wrapping only when repeat is All).
func (s *Selector) TryGetNext() (string, bool) {
	s.mu.Lock()
	pick, ok := s.nextLocked()
	s.mu.Unlock()

	if ok {
		s.persistLastPlayed(pick)
	}
	return pick, ok
}

// nextLocked applies the selection policy and records the pick as current.
// Caller holds mu.
func (s *Selector) nextLocked() (string, bool) {
	if s.shuffle && len(s.library) > 0 {
		pick := s.library[s.rng.Intn(len(s.library))]
		s.current = pick
		return pick, true
	}

	if len(s.queue) > 0 {
		pick := s.queue[0]
		s.queue = s.queue[1:]
		s.current = pick
		return pick, true
	}

	if s.repeat == RepeatOne && s.current != "" {
		return s.current, true
	}

	if len(s.library) == 0 {
		return "", false
	}

	s.rotation++
	if s.rotation >= len(s.library) {
		if s.repeat != RepeatAll {
			s.rotation = len(s.library) - 1
			return "", false
		}
		s.rotation = 0
	}

	pick := s.library[s.rotation]
	s.current = pick
	return pick, true
}

// SelectByName selects a library track by base name and aligns the rotation
// index to it.
func (s *Selector) SelectByName(name string) (string, bool) {
	s.mu.Lock()
	var pick string
	for i, track := range s.library {
		if strings.EqualFold(filepath.Base(track), name) {
			s.rotation = i
			s.current = track
			pick = track
			break
		}
	}
	s.mu.Unlock()

	if pick == "" {
		return "", false
	}
	s.persistLastPlayed(pick)
	return pick, true
}

// persistLastPlayed writes the selection next to the library. Never called
// with mu held.
func (s *Selector) persistLastPlayed(path string) {
	if err := os.WriteFile(filepath.Join(s.dir, lastPlayedFile), []byte(path), 0o644); err != nil {
		s.log.Warn("failed to persist last played track", zap.Error(err))
	}
}

// restoreLastPlayed reloads the previous selection. A missing file or a path
// no longer in the library gets replaced by a random pick.
func (s *Selector) restoreLastPlayed() {
	data, err := os.ReadFile(filepath.Join(s.dir, lastPlayedFile))

	s.mu.Lock()
	if len(s.library) == 0 {
		s.mu.Unlock()
		return
	}

	if err == nil {
		path := strings.TrimSpace(string(data))
		for i, track := range s.library {
			if track == path {
				s.rotation = i
				s.current = track
				s.mu.Unlock()
				return
			}
		}
	}

	s.rotation = s.rng.Intn(len(s.library))
	pick := s.library[s.rotation]
	s.current = pick
	s.mu.Unlock()

	s.persistLastPlayed(pick)
}

package audio

import "time"

type segmenterState int

const (
	stateIdle segmenterState = iota
	stateCollecting
	stateTrailing
)

func (s segmenterState) String() string {
	switch s {
	case stateCollecting:
		return "collecting"
	case stateTrailing:
		return "trailing"
	default:
		return "idle"
	}
}

type segmenterConfig struct {
	Format          Format
	TrailingSilence time.Duration
	PreRoll         time.Duration
	MaxSegment      time.Duration
	// FrameSegments emits every frame as its own segment. Utterance
	// boundaries are still flagged with EndOfUtterance.
	FrameSegments bool
}

// segmenter groups frames into voice-bounded segments. It counts frames
// rather than reading the wall clock so replayed input segments identically.
type segmenter struct {
	cfg   segmenterConfig
	state segmenterState

	preRoll       []Frame
	preRollFrames int
	trailFrames   int
	maxFrames     int

	current      []int16
	startedAt    time.Time
	framesInSeg  int
	silentFrames int
}

func newSegmenter(cfg segmenterConfig) *segmenter {
	frameDur := cfg.Format.FrameDuration
	if frameDur <= 0 {
		frameDur = 20 * time.Millisecond
	}
	s := &segmenter{cfg: cfg}
	s.preRollFrames = int(cfg.PreRoll / frameDur)
	s.trailFrames = int((cfg.TrailingSilence + frameDur - 1) / frameDur)
	if s.trailFrames < 1 {
		s.trailFrames = 1
	}
	if cfg.MaxSegment > 0 {
		s.maxFrames = int(cfg.MaxSegment / frameDur)
	}
	return s
}

// push consumes one frame and returns the segments it completes.
func (s *segmenter) push(frame Frame, voiced bool) []Segment {
	if s.cfg.FrameSegments {
		return s.pushFrame(frame, voiced)
	}

	switch s.state {
	case stateIdle:
		if !voiced {
			s.remember(frame)
			return nil
		}
		s.begin(frame)
		s.state = stateCollecting
		return s.checkMax()
	case stateCollecting, stateTrailing:
		s.append(frame)
		if voiced {
			s.silentFrames = 0
			s.state = stateCollecting
			return s.checkMax()
		}
		s.silentFrames++
		s.state = stateTrailing
		if s.silentFrames >= s.trailFrames {
			seg := s.cut(true)
			s.state = stateIdle
			return []Segment{seg}
		}
		return s.checkMax()
	}
	return nil
}

func (s *segmenter) pushFrame(frame Frame, voiced bool) []Segment {
	seg := Segment{
		SampleRate: s.cfg.Format.SampleRate,
		Channels:   s.cfg.Format.Channels,
		StartedAt:  frame.CapturedAt,
		Samples:    append([]int16(nil), frame.Samples...),
	}
	switch {
	case voiced:
		s.state = stateCollecting
		s.silentFrames = 0
		seg.Voiced = true
	case s.state != stateIdle:
		s.silentFrames++
		s.state = stateTrailing
		seg.Voiced = true
		if s.silentFrames >= s.trailFrames {
			seg.EndOfUtterance = true
			s.state = stateIdle
			s.silentFrames = 0
		}
	}
	return []Segment{seg}
}

// flush closes the open segment, if any, and marks it final. When nothing is
// open it returns an empty unvoiced final marker.
func (s *segmenter) flush() Segment {
	var seg Segment
	if !s.cfg.FrameSegments && s.state != stateIdle && len(s.current) > 0 {
		seg = s.cut(true)
	} else {
		seg = Segment{
			SampleRate:     s.cfg.Format.SampleRate,
			Channels:       s.cfg.Format.Channels,
			StartedAt:      time.Now(),
			EndOfUtterance: s.state != stateIdle,
		}
	}
	seg.Final = true
	s.state = stateIdle
	s.preRoll = nil
	return seg
}

func (s *segmenter) remember(frame Frame) {
	if s.preRollFrames <= 0 {
		return
	}
	s.preRoll = append(s.preRoll, frame)
	if len(s.preRoll) > s.preRollFrames {
		s.preRoll = s.preRoll[len(s.preRoll)-s.preRollFrames:]
	}
}

func (s *segmenter) begin(frame Frame) {
	s.current = s.current[:0]
	s.framesInSeg = 0
	s.silentFrames = 0
	if len(s.preRoll) > 0 {
		for _, f := range s.preRoll {
			s.append(f)
		}
		s.preRoll = s.preRoll[:0]
	}
	s.append(frame)
}

func (s *segmenter) append(frame Frame) {
	if s.framesInSeg == 0 {
		s.startedAt = frame.CapturedAt
	}
	s.current = append(s.current, frame.Samples...)
	s.framesInSeg++
}

func (s *segmenter) checkMax() []Segment {
	if s.maxFrames <= 0 || s.framesInSeg < s.maxFrames {
		return nil
	}
	seg := s.cut(false)
	return []Segment{seg}
}

func (s *segmenter) cut(endOfUtterance bool) Segment {
	seg := Segment{
		SampleRate:     s.cfg.Format.SampleRate,
		Channels:       s.cfg.Format.Channels,
		StartedAt:      s.startedAt,
		Samples:        append([]int16(nil), s.current...),
		Voiced:         true,
		EndOfUtterance: endOfUtterance,
	}
	s.current = s.current[:0]
	s.framesInSeg = 0
	s.silentFrames = 0
	return seg
}

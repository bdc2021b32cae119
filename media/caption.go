package media

// Caption is one decoded closed-caption line (CEA-608/708), carried as an
// extra frame kind alongside video and audio rather than folded into
// either — it has no pixel or sample data of its own, just timed text.
type Caption struct {
	PTS     PTS
	Channel int
	Text    string
}

package declutter

// ByScore ranks items with a higher metric score first
func ByScore() Compare {
	return func(a, b Item) int {
		switch {
		case a.Score > b.Score:
			return 1
		case a.Score < b.Score:
			return -1
		default:
			return 0
		}
	}
}

// FocusThenScore ranks items authored by focusAuthor above all others, then
// by score. An empty focusAuthor degrades to ByScore.
func FocusThenScore(focusAuthor string) Compare {
	byScore := ByScore()
	return func(a, b Item) int {
		if focusAuthor != "" {
			af, bf := a.Event.AuthorID == focusAuthor, b.Event.AuthorID == focusAuthor
			if af != bf {
				if af {
					return 1
				}
				return -1
			}
		}
		return byScore(a, b)
	}
}

// FocusOnly keeps focused-author items as representatives but otherwise
// preserves arrival order; it treats focus as a filter rather than a tiebreaker.
func FocusOnly(focusAuthor string) Compare {
	return func(a, b Item) int {
		af, bf := a.Event.AuthorID == focusAuthor, b.Event.AuthorID == focusAuthor
		switch {
		case af && !bf:
			return 1
		case bf && !af:
			return -1
		default:
			return 0
		}
	}
}

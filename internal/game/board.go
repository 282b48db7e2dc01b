package game

import "github.com/ticbet/room-sync/internal/domain"

// winLines lists all winning combinations over the row-major board.
var winLines = [8][3]int{
	{0, 1, 2}, // top row
	{3, 4, 5}, // middle row
	{6, 7, 8}, // bottom row
	{0, 3, 6}, // left column
	{1, 4, 7}, // middle column
	{2, 5, 8}, // right column
	{0, 4, 8}, // diagonal
	{2, 4, 6}, // anti-diagonal
}

// Winner returns the mark owning a completed line, or MarkEmpty.
func Winner(b domain.Board) domain.Mark {
	for _, line := range winLines {
		a, m, c := line[0], line[1], line[2]
		if b[a] != domain.MarkEmpty && b[a] == b[m] && b[m] == b[c] {
			return b[a]
		}
	}
	return domain.MarkEmpty
}

// Full reports whether every cell is taken.
func Full(b domain.Board) bool {
	for _, cell := range b {
		if cell == domain.MarkEmpty {
			return false
		}
	}
	return true
}

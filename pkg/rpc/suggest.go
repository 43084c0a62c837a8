// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"strings"

	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"
)

func fuzzyScore(text string, pattern string, slab *util.Slab) int {
	if text == "" || pattern == "" {
		return 0
	}
	chars := util.ToChars([]byte(strings.ToLower(text)))
	result, _ := algo.FuzzyMatchV2(false, true, true, &chars, []rune(strings.ToLower(pattern)), false, slab)
	return result.Score
}

// suggestMethod returns the registered name closest to an unknown one, or "".
// Matching runs both ways so that both truncated and padded names find a candidate.
func suggestMethod(unknown string, candidates []string) string {
	slab := util.MakeSlab(64, 4096)
	best := ""
	bestScore := 0
	for _, cand := range candidates {
		score := fuzzyScore(cand, unknown, slab)
		if rev := fuzzyScore(unknown, cand, slab); rev > score {
			score = rev
		}
		if score > bestScore {
			best = cand
			bestScore = score
		}
	}
	return best
}

package dfu

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	progressLine = regexp.MustCompile(`part:\s*(\d+),\s*outOf:\s*(\d+),\s*to:\s*(\d+),\s*speed:\s*([-+0-9.eE]+)`)
	percentLine  = regexp.MustCompile(`(?:^|\s|\|)(\d{1,3})%\s*$`)
)

// ParseProgress extracts a Progress report from one line of transfer tool
// output. It understands the "part: X, outOf: Y, to: P, speed: S" format and
// progress bars ending in "NN%".
func ParseProgress(line string) (Progress, bool) {
	line = strings.TrimSpace(line)
	if m := progressLine.FindStringSubmatch(line); m != nil {
		var nums [3]int
		for i := range nums {
			n, err := strconv.Atoi(m[i+1])
			if err != nil {
				return Progress{}, false
			}
			nums[i] = n
		}
		part, total, percent := nums[0], nums[1], nums[2]
		speed, err := strconv.ParseFloat(m[4], 64)
		if err != nil {
			return Progress{}, false
		}
		return Progress{Part: part, TotalParts: total, Percent: clampPercent(percent), Speed: speed, AvgSpeed: speed}, true
	}
	if m := percentLine.FindStringSubmatch(line); m != nil {
		percent, _ := strconv.Atoi(m[1])
		if percent > 100 {
			return Progress{}, false
		}
		return Progress{Part: 1, TotalParts: 1, Percent: percent}, true
	}
	return Progress{}, false
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// Package segment учитывает просмотренные отрезки контента без двойного учёта пересмотров.
package segment

import (
	"sort"

	"github.com/mmeshcher/attention-credit/internal/model"
)

// Uncovered возвращает длину части [start, end], не покрытой ни одним отрезком.
// segments должны быть слиты и отсортированы по Start.
func Uncovered(segments []model.Segment, start, end float64) float64 {
	if end <= start {
		return 0
	}

	uncovered := 0.0
	cursor := start

	for _, s := range segments {
		if s.End <= cursor {
			continue
		}
		if s.Start >= end {
			break
		}
		if s.Start > cursor {
			uncovered += s.Start - cursor
		}
		if s.End > cursor {
			cursor = s.End
		}
		if cursor >= end {
			return uncovered
		}
	}

	if cursor < end {
		uncovered += end - cursor
	}
	return uncovered
}

// Merge добавляет отрезок и сливает пересекающиеся и соприкасающиеся отрезки.
func Merge(segments []model.Segment, add model.Segment) []model.Segment {
	all := make([]model.Segment, 0, len(segments)+1)
	all = append(all, segments...)
	all = append(all, add)

	sort.Slice(all, func(i, j int) bool { return all[i].Start < all[j].Start })

	merged := all[:1]
	for _, s := range all[1:] {
		last := &merged[len(merged)-1]
		if s.Start <= last.End {
			if s.End > last.End {
				last.End = s.End
			}
			continue
		}
		merged = append(merged, s)
	}

	return merged
}

// Total возвращает суммарную длину отрезков.
func Total(segments []model.Segment) float64 {
	total := 0.0
	for _, s := range segments {
		total += s.End - s.Start
	}
	return total
}

package llmcorrect

import "strings"

// indexPair maps a token index in the original sequence to the corresponding
// index in the corrected sequence.
type indexPair struct {
	origIdx int
	corrIdx int
}

// changeSpan is a contiguous region that differs between the original and
// corrected token sequences. at is the anchor index the span precedes, or
// len(anchors) for a trailing span.
type changeSpan struct {
	at         int
	origTokens []string
	corrTokens []string
}

// tokenLCS computes the longest common subsequence of two token slices and
// returns anchor pairs (indices into a and b) representing common tokens in
// order. Plain O(m*n) DP; segments are a few dozen words.
func tokenLCS(a, b []string) []indexPair {
	m, n := len(a), len(b)
	if m == 0 || n == 0 {
		return nil
	}

	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}
	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			switch {
			case a[i-1] == b[j-1]:
				dp[i][j] = dp[i-1][j-1] + 1
			case dp[i-1][j] >= dp[i][j-1]:
				dp[i][j] = dp[i-1][j]
			default:
				dp[i][j] = dp[i][j-1]
			}
		}
	}

	lcsLen := dp[m][n]
	if lcsLen == 0 {
		return nil
	}

	anchors := make([]indexPair, lcsLen)
	i, j, k := m, n, lcsLen-1
	for i > 0 && j > 0 {
		switch {
		case a[i-1] == b[j-1]:
			anchors[k] = indexPair{origIdx: i - 1, corrIdx: j - 1}
			i--
			j--
			k--
		case dp[i-1][j] >= dp[i][j-1]:
			i--
		default:
			j--
		}
	}
	return anchors
}

// extractChangeSpans walks the anchor list and collects the gaps between
// anchored (unchanged) tokens.
func extractChangeSpans(orig, corr []string, anchors []indexPair) []changeSpan {
	var spans []changeSpan
	oi, ci := 0, 0
	for k, a := range anchors {
		if oi < a.origIdx || ci < a.corrIdx {
			spans = append(spans, changeSpan{
				at:         k,
				origTokens: orig[oi:a.origIdx],
				corrTokens: corr[ci:a.corrIdx],
			})
		}
		oi = a.origIdx + 1
		ci = a.corrIdx + 1
	}
	if oi < len(orig) || ci < len(corr) {
		spans = append(spans, changeSpan{
			at:         len(anchors),
			origTokens: orig[oi:],
			corrTokens: corr[ci:],
		})
	}
	return spans
}

// normalizeForLookup lowercases s and strips surrounding punctuation so that
// token spans like "kubernetis," match corrections declared as "kubernetis".
func normalizeForLookup(s string) string {
	return strings.ToLower(strings.Trim(s, ".,;:!?¿¡\"'()"))
}

type corrKey struct{ orig, corr string }

func spanKey(s changeSpan) corrKey {
	return corrKey{
		normalizeForLookup(strings.Join(s.origTokens, " ")),
		normalizeForLookup(strings.Join(s.corrTokens, " ")),
	}
}

// verifyCorrectedText cross-references the token-level changes between
// original and corrected against the declared corrections. A change span
// that no declared correction explains is reverted to the original tokens.
// It returns the verified text and the confirmed corrections only.
func verifyCorrectedText(original, corrected string, corrections []Correction) (string, []Correction) {
	if original == corrected {
		return original, nil
	}

	origTokens := strings.Fields(original)
	corrTokens := strings.Fields(corrected)
	anchors := tokenLCS(origTokens, corrTokens)
	spans := extractChangeSpans(origTokens, corrTokens, anchors)

	lookup := make(map[corrKey]Correction, len(corrections))
	for _, c := range corrections {
		lookup[corrKey{normalizeForLookup(c.Original), normalizeForLookup(c.Corrected)}] = c
	}

	var (
		result   []string
		verified []Correction
	)
	emit := func(s changeSpan) {
		if c, ok := lookup[spanKey(s)]; ok {
			result = append(result, s.corrTokens...)
			verified = append(verified, c)
			return
		}
		result = append(result, s.origTokens...)
	}

	si := 0
	for k, a := range anchors {
		if si < len(spans) && spans[si].at == k {
			emit(spans[si])
			si++
		}
		result = append(result, origTokens[a.origIdx])
	}
	if si < len(spans) {
		emit(spans[si])
	}

	if len(verified) == 0 {
		return original, nil
	}
	return strings.Join(result, " "), verified
}

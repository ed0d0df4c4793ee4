package policy

import "testing"

func TestLookupSplitCaseInsensitive(t *testing.T) {
	for _, name := range []string{"even", "Even", "EVEN", "pAcK"} {
		if _, err := LookupSplit(name); err != nil {
			t.Errorf("LookupSplit(%q) = %v, want nil error", name, err)
		}
	}
}

func TestLookupSplitUnknown(t *testing.T) {
	_, err := LookupSplit("bogus")
	if _, ok := err.(*UnknownPolicy); !ok {
		t.Fatalf("LookupSplit(bogus) err = %v, want *UnknownPolicy", err)
	}
}

func TestScoreZeroWhenEitherSideOverflows(t *testing.T) {
	for _, name := range []string{"LEFT", "RIGHT", "EVEN", "NICE", "LEFT90", "RIGHT90", "PACK"} {
		p, _ := LookupSplit(name)
		c := SplitCandidate{LeftSize: 5000, RightSize: 100, Capacity: 4096}
		if s := p.Score(c); s != 0 {
			t.Errorf("%s.Score with overflowing left = %v, want 0", name, s)
		}
		c = SplitCandidate{LeftSize: 100, RightSize: 5000, Capacity: 4096}
		if s := p.Score(c); s != 0 {
			t.Errorf("%s.Score with overflowing right = %v, want 0", name, s)
		}
	}
}

func TestLeftBiasPrefersLargerLeftSize(t *testing.T) {
	p, _ := LookupSplit("LEFT")
	a := SplitCandidate{LeftSize: 300, RightSize: 100, Capacity: 1000}
	b := SplitCandidate{LeftSize: 700, RightSize: 100, Capacity: 1000}
	if p.Score(b) <= p.Score(a) {
		t.Fatalf("LEFT should prefer the candidate with more left-side bytes")
	}
}

func TestRightBiasPrefersLargerRightSize(t *testing.T) {
	p, _ := LookupSplit("RIGHT")
	a := SplitCandidate{LeftSize: 100, RightSize: 300, Capacity: 1000}
	b := SplitCandidate{LeftSize: 100, RightSize: 700, Capacity: 1000}
	if p.Score(b) <= p.Score(a) {
		t.Fatalf("RIGHT should prefer the candidate with more right-side bytes")
	}
}

// TestEvenBiasScenario4 exercises spec.md §8 scenario 4: inserting keys
// 0..99 of identical size into an empty leaf under EVEN, one split, should
// yield a balanced cut where |left-right| is within one entry's size.
func TestEvenBiasScenario4(t *testing.T) {
	p, _ := LookupSplit("EVEN")
	const capacity = 4096
	const entrySize = 16
	const nkeys = 100

	best, bestScore := -1, float64(-1)
	for k := 1; k < nkeys; k++ {
		c := SplitCandidate{
			LeftSize:  k * entrySize,
			RightSize: (nkeys - k) * entrySize,
			Capacity:  capacity,
		}
		s := p.Score(c)
		if s > bestScore {
			best, bestScore = k, s
		}
	}
	left := best * entrySize
	right := (nkeys - best) * entrySize
	diff := left - right
	if diff < 0 {
		diff = -diff
	}
	if diff > entrySize {
		t.Fatalf("EVEN split diff = %d, want <= %d (one entry size)", diff, entrySize)
	}
}

func TestNiceBiasesTowardLeft(t *testing.T) {
	p, _ := LookupSplit("NICE")
	even := SplitCandidate{LeftSize: 500, RightSize: 500, Capacity: 1000}
	leftHeavy := SplitCandidate{LeftSize: 667, RightSize: 333, Capacity: 1000}
	if p.Score(leftHeavy) <= p.Score(even) {
		t.Fatalf("NICE should score a ~2/3-left split higher than a perfectly even one")
	}
}

func TestPercentBiasTargetsNinetyPercent(t *testing.T) {
	left90, _ := LookupSplit("LEFT90")
	atTarget := SplitCandidate{LeftSize: 900, RightSize: 100, Capacity: 1000}
	overTarget := SplitCandidate{LeftSize: 950, RightSize: 50, Capacity: 1000}
	underTarget := SplitCandidate{LeftSize: 500, RightSize: 500, Capacity: 1000}
	if left90.Score(atTarget) <= left90.Score(overTarget) {
		t.Errorf("LEFT90 should score exactly-90%% left higher than 95%% left")
	}
	if left90.Score(atTarget) <= left90.Score(underTarget) {
		t.Errorf("LEFT90 should score exactly-90%% left higher than 50%% left")
	}
}

func TestPackMatchesNiceWhenSequenceNone(t *testing.T) {
	pack, _ := LookupSplit("PACK")
	nice, _ := LookupSplit("NICE")
	c := SplitCandidate{LeftSize: 400, RightSize: 600, Capacity: 1000, Sequence: SequenceNone}
	if pack.Score(c) != nice.Score(c) {
		t.Fatalf("PACK with no sequence hint should match NICE exactly")
	}
}

func TestPackMatchesNiceOnReplace(t *testing.T) {
	pack, _ := LookupSplit("PACK")
	nice, _ := LookupSplit("NICE")
	c := SplitCandidate{LeftSize: 400, RightSize: 600, Capacity: 1000, Sequence: SequenceForward, Replace: true}
	if pack.Score(c) != nice.Score(c) {
		t.Fatalf("PACK on a same-key replace should match NICE exactly (sequential bias only applies to new inserts)")
	}
}

func TestPackFavorsSplitNearInsertionPointWhenSequentialForward(t *testing.T) {
	pack, _ := LookupSplit("PACK")
	const capacity = 1000
	near := SplitCandidate{LeftSize: 800, RightSize: 100, KeyBlockOffset: 790, InsertAt: 800, Capacity: capacity, Sequence: SequenceForward}
	far := SplitCandidate{LeftSize: 500, RightSize: 400, KeyBlockOffset: 100, InsertAt: 800, Capacity: capacity, Sequence: SequenceForward}
	if pack.Score(near) <= pack.Score(far) {
		t.Fatalf("PACK forward should favor the split adjacent to the insertion point")
	}
}

func TestPackFavorsSplitNearInsertionPointWhenSequentialReverse(t *testing.T) {
	pack, _ := LookupSplit("PACK")
	const capacity = 1000
	near := SplitCandidate{LeftSize: 100, RightSize: 800, KeyBlockOffset: 8, InsertAt: 10, Capacity: capacity, Sequence: SequenceReverse}
	far := SplitCandidate{LeftSize: 500, RightSize: 400, KeyBlockOffset: 600, InsertAt: 10, Capacity: capacity, Sequence: SequenceReverse}
	if pack.Score(near) <= pack.Score(far) {
		t.Fatalf("PACK reverse should favor the split adjacent to the insertion point")
	}
}

func TestChooseSplitPicksHighestScore(t *testing.T) {
	p, _ := LookupSplit("EVEN")
	candidates := []SplitCandidate{
		{LeftSize: 100, RightSize: 900, Capacity: 1000},
		{LeftSize: 500, RightSize: 500, Capacity: 1000},
		{LeftSize: 900, RightSize: 100, Capacity: 1000},
	}
	if got := ChooseSplit(p, candidates); got != 1 {
		t.Fatalf("ChooseSplit = %d, want 1 (the balanced candidate)", got)
	}
}

func TestLookupJoinCaseInsensitiveAndUnknown(t *testing.T) {
	if _, err := LookupJoin("left"); err != nil {
		t.Errorf("LookupJoin(left) = %v", err)
	}
	if _, err := LookupJoin("bogus"); err == nil {
		t.Errorf("LookupJoin(bogus) = nil, want UnknownPolicy")
	}
}

// TestJoinScenario5 exercises spec.md §8 scenario 5: under EVEN, merging
// happens whenever left+right fits; under LEFT, scoring only rewards
// candidates that keep the left side large, but both still require fit.
func TestJoinScenario5(t *testing.T) {
	even, _ := LookupJoin("EVEN")
	left, _ := LookupJoin("LEFT")

	fitsBoth := JoinCandidate{LeftSize: 400, RightSize: 300, Capacity: 1000}
	if even.Score(fitsBoth) <= 0 {
		t.Errorf("EVEN join should score a fitting candidate above 0")
	}
	if left.Score(fitsBoth) <= 0 {
		t.Errorf("LEFT join should score a fitting candidate above 0")
	}

	overflow := JoinCandidate{LeftSize: 1200, RightSize: 300, Capacity: 1000}
	if even.Score(overflow) != 0 {
		t.Errorf("EVEN join should score an overflowing left candidate at 0")
	}
	if left.Score(overflow) != 0 {
		t.Errorf("LEFT join should score an overflowing left candidate at 0")
	}
}

func TestAcceptJoinRejectsOversizedMerge(t *testing.T) {
	if AcceptJoin(5000, 4096) {
		t.Errorf("AcceptJoin(5000, 4096) = true, want false")
	}
	if !AcceptJoin(3000, 4096) {
		t.Errorf("AcceptJoin(3000, 4096) = false, want true")
	}
	if AcceptJoin(4096, 4096) {
		t.Errorf("AcceptJoin(4096, 4096) = true, want false (strict <)")
	}
}

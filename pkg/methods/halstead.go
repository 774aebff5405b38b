package methods

import "math"

// difficultyDivisor is used in the difficulty formula: n1/2 * (N2/n2).
const difficultyDivisor = 2.0

// halsteadCounter tallies operator and operand occurrences by token text.
type halsteadCounter struct {
	operators map[string]int
	operands  map[string]int
}

func newHalsteadCounter() *halsteadCounter {
	return &halsteadCounter{
		operators: make(map[string]int),
		operands:  make(map[string]int),
	}
}

func (h *halsteadCounter) operator(token string) { h.operators[token]++ }
func (h *halsteadCounter) operand(token string)  { h.operands[token]++ }

func (h *halsteadCounter) counts() HalsteadCounts {
	return HalsteadCounts{
		DistinctOperators: len(h.operators),
		DistinctOperands:  len(h.operands),
		TotalOperators:    sumMap(h.operators),
		TotalOperands:     sumMap(h.operands),
	}
}

func sumMap(intMap map[string]int) int {
	total := 0
	for _, v := range intMap {
		total += v
	}

	return total
}

// HalsteadCounts are the four base Halstead tallies.
type HalsteadCounts struct {
	DistinctOperators int // n1
	DistinctOperands  int // n2
	TotalOperators    int // N1
	TotalOperands     int // N2
}

// Apply derives vocabulary, length, volume, difficulty and effort into m.
func (c HalsteadCounts) Apply(m *Metrics) {
	vocabulary := c.DistinctOperators + c.DistinctOperands
	length := c.TotalOperators + c.TotalOperands

	m.HalsteadVocabulary = vocabulary
	m.HalsteadLength = length

	var volume float64

	if vocabulary > 0 {
		volume = float64(length) * math.Log2(float64(vocabulary))
	}

	var difficulty float64

	if c.DistinctOperands > 0 {
		difficulty = (float64(c.DistinctOperators) / difficultyDivisor) *
			(float64(c.TotalOperands) / float64(c.DistinctOperands))
	}

	m.HalsteadVolume = volume
	m.HalsteadDifficulty = difficulty
	m.HalsteadEffort = volume * difficulty
}

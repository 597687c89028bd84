package metrics

// pSquare is a streaming O(1)-per-sample percentile estimator (Jain & Chlamtac's
// P² algorithm). Grounded on eventloop/psquare.go's single-quantile estimator;
// simplified to the one quantile cocao's metrics actually need per call site
// (callers create one pSquare per percentile they care about).
type pSquare struct {
	p         float64
	n         [5]int
	np        [5]float64
	dn        [5]float64
	q         [5]float64
	count     int
	initial   [5]float64
	initCount int
}

func newPSquare(p float64) *pSquare {
	return &pSquare{
		p:  p,
		dn: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

func (s *pSquare) Add(x float64) {
	if s.initCount < 5 {
		s.initial[s.initCount] = x
		s.initCount++
		if s.initCount == 5 {
			// sort the 5 bootstrap samples
			for i := 1; i < 5; i++ {
				v := s.initial[i]
				j := i - 1
				for j >= 0 && s.initial[j] > v {
					s.initial[j+1] = s.initial[j]
					j--
				}
				s.initial[j+1] = v
			}
			for i := 0; i < 5; i++ {
				s.q[i] = s.initial[i]
				s.n[i] = i + 1
			}
			s.np = [5]float64{1, 1 + 2*s.p, 1 + 4*s.p, 3 + 2*s.p, 5}
		}
		return
	}

	s.count++

	k := 0
	switch {
	case x < s.q[0]:
		s.q[0] = x
		k = 0
	case x >= s.q[4]:
		s.q[4] = x
		k = 3
	default:
		for i := 0; i < 4; i++ {
			if x < s.q[i+1] {
				k = i
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		s.n[i]++
	}
	for i := 0; i < 5; i++ {
		s.np[i] += s.dn[i]
	}

	for i := 1; i < 4; i++ {
		d := s.np[i] - float64(s.n[i])
		if (d >= 1 && s.n[i+1]-s.n[i] > 1) || (d <= -1 && s.n[i-1]-s.n[i] < -1) {
			sign := 1
			if d < 0 {
				sign = -1
			}
			qNew := s.parabolic(i, sign)
			if s.q[i-1] < qNew && qNew < s.q[i+1] {
				s.q[i] = qNew
			} else {
				s.q[i] = s.linear(i, sign)
			}
			s.n[i] += sign
		}
	}
}

func (s *pSquare) parabolic(i, d int) float64 {
	fd := float64(d)
	return s.q[i] + fd/float64(s.n[i+1]-s.n[i-1])*
		((float64(s.n[i]-s.n[i-1])+fd)*(s.q[i+1]-s.q[i])/float64(s.n[i+1]-s.n[i])+
			(float64(s.n[i+1]-s.n[i])-fd)*(s.q[i]-s.q[i-1])/float64(s.n[i]-s.n[i-1]))
}

func (s *pSquare) linear(i, d int) float64 {
	return s.q[i] + float64(d)*(s.q[i+d]-s.q[i])/float64(s.n[i+d]-s.n[i])
}

// Value returns the current percentile estimate.
func (s *pSquare) Value() float64 {
	if s.initCount < 5 {
		if s.initCount == 0 {
			return 0
		}
		// Not enough samples yet for P² bootstrap: fall back to the
		// most recent bootstrap sample seen so far.
		return s.initial[s.initCount-1]
	}
	return s.q[2]
}

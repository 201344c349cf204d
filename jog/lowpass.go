package jog

// LowPassFilter is a first order Butterworth style smoother:
//
//	y[k] = (x[k] + x[k-1] - (1-c)·y[k-1]) / (1+c)
//
// Larger coefficients smooth more. The steady state output equals a constant input, and for
// c >= 1 the step response is monotonic.
type LowPassFilter struct {
	coeff        float64
	prevMeasured [2]float64
	prevFiltered float64
}

// NewLowPassFilter returns a filter at rest at zero.
func NewLowPassFilter(coeff float64) *LowPassFilter {
	return &LowPassFilter{coeff: coeff}
}

// Filter pushes a new measurement and returns the filtered value.
func (f *LowPassFilter) Filter(x float64) float64 {
	f.prevMeasured[1] = f.prevMeasured[0]
	f.prevMeasured[0] = x
	y := (f.prevMeasured[1] + f.prevMeasured[0] - (1-f.coeff)*f.prevFiltered) / (1 + f.coeff)
	f.prevFiltered = y
	return y
}

// Reset puts the filter at rest at value.
func (f *LowPassFilter) Reset(value float64) {
	f.prevMeasured[0] = value
	f.prevMeasured[1] = value
	f.prevFiltered = value
}

// FilterBank holds one filter per joint.
type FilterBank struct {
	filters []*LowPassFilter
}

// NewFilterBank returns n filters at rest at zero.
func NewFilterBank(n int, coeff float64) *FilterBank {
	b := &FilterBank{filters: make([]*LowPassFilter, n)}
	for i := range b.filters {
		b.filters[i] = NewLowPassFilter(coeff)
	}
	return b
}

// Filter returns the filtered values. values must have one entry per filter.
func (b *FilterBank) Filter(values []float64) []float64 {
	out := make([]float64, len(b.filters))
	for i, f := range b.filters {
		out[i] = f.Filter(values[i])
	}
	return out
}

// Reset puts every filter at rest at the matching value, or at zero when values is nil.
func (b *FilterBank) Reset(values []float64) {
	for i, f := range b.filters {
		v := 0.0
		if values != nil {
			v = values[i]
		}
		f.Reset(v)
	}
}

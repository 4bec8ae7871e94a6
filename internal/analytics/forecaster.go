package analytics

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"socket-sentinel/internal/models"
)

// Config forecasting parameters
type Config struct {
	// Window most recent samples used for the fit
	Window int
	// MaxSmoothing upper bound of the moving-average window
	MaxSmoothing int
	// Jitter half-width of the uniform noise added per predicted point
	Jitter float64
	// Step spacing between predicted points
	Step time.Duration
}

// DefaultConfig returns the reference parameters
func DefaultConfig() Config {
	return Config{
		Window:       60,
		MaxSmoothing: 10,
		Jitter:       25,
		Step:         time.Minute,
	}
}

// Forecaster smooths a power series and extrapolates its linear trend
type Forecaster struct {
	mu     sync.Mutex
	rng    *rand.Rand
	config Config
}

// NewForecaster creates a forecaster; seed drives the jitter
func NewForecaster(config Config, seed uint64) *Forecaster {
	def := DefaultConfig()
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.MaxSmoothing <= 0 {
		config.MaxSmoothing = def.MaxSmoothing
	}
	if config.Jitter < 0 {
		config.Jitter = 0
	}
	if config.Step <= 0 {
		config.Step = def.Step
	}
	return &Forecaster{
		rng:    rand.New(rand.NewPCG(seed, seed+1)),
		config: config,
	}
}

// Forecast predicts horizonMinutes points after the last sample. Fewer than two usable points
// yield an empty result.
func (f *Forecaster) Forecast(history []models.TelemetrySample, horizonMinutes int) []models.Prediction {
	if len(history) < 2 || horizonMinutes <= 0 {
		return []models.Prediction{}
	}

	recent := history
	if len(recent) > f.config.Window {
		recent = recent[len(recent)-f.config.Window:]
	}

	values := make([]float64, len(recent))
	for i, s := range recent {
		values[i] = s.TotalPower
	}

	window := min(f.config.MaxSmoothing, len(values)/2)
	smoothed := movingAverage(values, window)
	if len(smoothed) < 2 {
		return []models.Prediction{}
	}

	slope, intercept := fitLine(smoothed)
	last := recent[len(recent)-1].Timestamp

	f.mu.Lock()
	defer f.mu.Unlock()

	predictions := make([]models.Prediction, 0, horizonMinutes)
	n := float64(len(smoothed))
	for i := 1; i <= horizonMinutes; i++ {
		value := slope*(n+float64(i)) + intercept + f.noise()
		predictions = append(predictions, models.Prediction{
			Timestamp:      last.Add(time.Duration(i) * f.config.Step),
			PredictedPower: math.Max(0, value),
		})
	}
	return predictions
}

func (f *Forecaster) noise() float64 {
	if f.config.Jitter == 0 {
		return 0
	}
	return f.rng.Float64()*2*f.config.Jitter - f.config.Jitter
}

// movingAverage simple moving average; empty when window is out of range
func movingAverage(values []float64, window int) []float64 {
	if window <= 0 || window > len(values) {
		return nil
	}
	out := make([]float64, 0, len(values)-window+1)
	for i := 0; i+window <= len(values); i++ {
		out = append(out, stat.Mean(values[i:i+window], nil))
	}
	return out
}

// fitLine ordinary least squares over (index, value)
func fitLine(values []float64) (slope, intercept float64) {
	xs := make([]float64, len(values))
	for i := range xs {
		xs[i] = float64(i)
	}
	intercept, slope = stat.LinearRegression(xs, values, nil, false)
	return slope, intercept
}

// Adjust corrects predictions against a new ground-truth total. The correction is full at the
// first point and fades linearly towards the horizon; only the first point records actual.
// The input is not modified.
func Adjust(predictions []models.Prediction, actual float64) []models.Prediction {
	if len(predictions) == 0 {
		return []models.Prediction{}
	}

	errorFactor := 1.0
	if first := predictions[0].PredictedPower; first != 0 {
		errorFactor = actual / first
	}

	n := float64(len(predictions))
	out := make([]models.Prediction, len(predictions))
	for i, p := range predictions {
		weight := math.Max(0, 1-float64(i)/n)
		out[i] = models.Prediction{
			Timestamp:      p.Timestamp,
			PredictedPower: p.PredictedPower * (1 + (errorFactor-1)*weight),
		}
	}
	out[0].ActualPower = &actual
	return out
}

// Peak returns the prediction with the highest predicted power
func Peak(predictions []models.Prediction) (models.Prediction, bool) {
	if len(predictions) == 0 {
		return models.Prediction{}, false
	}
	peak := predictions[0]
	for _, p := range predictions[1:] {
		if p.PredictedPower > peak.PredictedPower {
			peak = p
		}
	}
	return peak, true
}

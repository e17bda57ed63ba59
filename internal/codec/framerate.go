package codec

// QuantizeFramerate maps a requested framerate onto the small ladder of
// rates the encoder is configured with, so that small fluctuations do not
// force a reconfiguration. The current rate is kept while the request is at
// or below it and not under half of it.
func QuantizeFramerate(requested, current int) int {
	if requested <= current && requested >= current/2 {
		return current
	}

	var step int
	switch {
	case requested >= 15:
		step = 30
	case requested >= 10:
		step = 20
	case requested >= 8:
		step = 15
	default:
		// Lower rates are not stable on hardware encoders.
		step = 10
	}
	if step < requested {
		step = requested
	}
	return step
}

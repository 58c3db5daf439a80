package health

// ProbeOpenCircuits runs one recovery pass synchronously.
func (h *Checker) ProbeOpenCircuits() {
	h.probeOpenCircuits()
}

var CryptoRandDuration = cryptoRandDuration

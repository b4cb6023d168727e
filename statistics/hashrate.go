//Package statistics keeps per second hashrate samples and result counters.
package statistics

import "sync"

//Window is the number of one second samples a HashRate keeps
const Window = 3600

//HashRate is a ring buffer of per second samples
type HashRate struct {
	mu         sync.Mutex
	dataSeries [Window]float64
	currentPos int
	filled     int
}

func (hr *HashRate) Add(num float64) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.currentPos = (hr.currentPos + 1) % Window
	hr.dataSeries[hr.currentPos] = num
	if hr.filled < Window {
		hr.filled++
	}
}

//RecentNSum sums the latest recentn samples
func (hr *HashRate) RecentNSum(recentn int) (sum float64) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	return hr.recentNSum(recentn)
}

func (hr *HashRate) recentNSum(recentn int) (sum float64) {
	if recentn > hr.filled {
		recentn = hr.filled
	}
	for i := 0; i < recentn; i++ {
		pos := hr.currentPos - i
		if pos < 0 {
			pos += Window
		}
		sum += hr.dataSeries[pos]
	}
	return
}

//Average is the mean of the latest recentn samples, fewer if not yet collected
func (hr *HashRate) Average(recentn int) float64 {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	n := recentn
	if n > hr.filled {
		n = hr.filled
	}
	if n == 0 {
		return 0
	}
	return hr.recentNSum(n) / float64(n)
}

//Last returns the most recent sample
func (hr *HashRate) Last() float64 {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	if hr.filled == 0 {
		return 0
	}
	return hr.dataSeries[hr.currentPos]
}

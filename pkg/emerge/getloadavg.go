package emerge

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

var loadavgPath = "/proc/loadavg"

func getloadavg() (float64, float64, float64, error) {
	f, err := os.ReadFile(loadavgPath)
	if err != nil {
		return 0, 0, 0, err
	}
	fields := strings.Fields(strings.SplitN(string(f), "\n", 2)[0])
	if len(fields) < 3 {
		return 0, 0, 0, errors.New("unknown")
	}
	var out [3]float64
	for i := range out {
		if out[i], err = strconv.ParseFloat(fields[i], 64); err != nil {
			return 0, 0, 0, err
		}
	}
	return out[0], out[1], out[2], nil
}

package driver

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/perfstream/anomalyd/errs"
)

func itoa(v int) string { return strconv.Itoa(v) }

func utoa(v uint64) string { return strconv.FormatUint(v, 10) }

// readLines reads a newline-separated list file, skipping blanks.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.New("driver", errs.KindConfig,
			errs.WithMessage("unreadable list file"),
			errs.WithField("path", path),
			errs.WithCause(err))
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			out = append(out, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.New("driver", errs.KindConfig,
			errs.WithMessage("list file read failed"),
			errs.WithField("path", path),
			errs.WithCause(err))
	}
	return out, nil
}

package snapshot

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"meshnet/internal/model"
)

const logHeader = "epoch, train_loss, validation_loss, elapsed_time"

// LogFileName is the per-run CSV history the choice policies read.
const LogFileName = "log.csv"

// WriteLogHeader truncates the log and writes its header line.
func WriteLogHeader(path string) error {
	return os.WriteFile(path, []byte(logHeader+"\n"), 0o644)
}

// AppendLogRow adds one epoch line. NaN validation losses are written as-is
// so reading them back round-trips.
func AppendLogRow(path string, row model.LogRow) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d, %g, %g, %g\n",
		row.Epoch, row.TrainLoss, row.ValidationLoss, row.Elapsed)
	return err
}

// ReadLog parses the CSV history, skipping the header and blank lines.
func ReadLog(path string) ([]model.LogRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []model.LogRow
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "epoch") {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 4 {
			return nil, fmt.Errorf("malformed log line: %q", line)
		}
		epoch, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, fmt.Errorf("malformed log line: %q", line)
		}
		row := model.LogRow{Epoch: epoch}
		for i, dst := range []*float64{&row.TrainLoss, &row.ValidationLoss, &row.Elapsed} {
			v, err := parseFloat(strings.TrimSpace(fields[i+1]))
			if err != nil {
				return nil, fmt.Errorf("malformed log line: %q", line)
			}
			*dst = v
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

func parseFloat(s string) (float64, error) {
	switch strings.ToLower(s) {
	case "nan":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

// fraudwatch fit - fits the encoder state on a training CSV and writes the
// state blob the scoring service and the streamer load at startup.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mbd888/fraudwatch/internal/classifier"
	"github.com/mbd888/fraudwatch/internal/config"
	"github.com/mbd888/fraudwatch/internal/feature"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/transaction"
)

func main() {
	data := flag.String("data", "data/training_data.csv", "training transactions CSV")
	out := flag.String("out", config.DefaultEncoderStatePath, "where to write the encoder state")
	baseline := flag.Float64("baseline", -1, "also write a constant-probability model with this probability to -model")
	modelOut := flag.String("model", config.DefaultModelPath, "model artifact path for -baseline")
	flag.Parse()

	logger := logging.New("info", "text")

	if err := run(*data, *out, *baseline, *modelOut); err != nil {
		logger.Error("fit failed", "error", err)
		os.Exit(1)
	}
	logger.Info("encoder state written", "path", *out)
	if *baseline >= 0 {
		logger.Info("baseline model written", "path", *modelOut, "probability", *baseline)
	}
}

func run(data, out string, baseline float64, modelOut string) error {
	f, err := os.Open(data)
	if err != nil {
		return err
	}
	records, err := transaction.ReadCSV(f)
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("read %s: %w", data, err)
	}

	state, err := feature.Fit(records)
	if err != nil {
		return err
	}
	if err := state.SaveFile(out); err != nil {
		return fmt.Errorf("write encoder state: %w", err)
	}

	if baseline < 0 {
		return nil
	}
	if baseline > 1 {
		return fmt.Errorf("baseline probability %v is outside [0,1]", baseline)
	}
	mf, err := os.Create(modelOut)
	if err != nil {
		return err
	}
	model := &classifier.ConstantModel{Cols: state.Columns, Probability: baseline}
	if err := classifier.WriteArtifact(mf, model); err != nil {
		_ = mf.Close()
		return err
	}
	return mf.Close()
}

package storage

import (
	"encoding/json"
	"errors"

	"trafficevo/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// CurrentVersion stamps new records.
func CurrentVersion() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeRun(r model.RunRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func EncodeProgramSet(r model.ProgramSetRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeProgramSet(data []byte) (model.ProgramSetRecord, error) {
	var record model.ProgramSetRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.ProgramSetRecord{}, err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return model.ProgramSetRecord{}, err
	}
	return record, nil
}

func EncodeLineage(records []model.LineageRecord) ([]byte, error) {
	return json.Marshal(records)
}

func DecodeLineage(data []byte) ([]model.LineageRecord, error) {
	var records []model.LineageRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	for _, record := range records {
		if err := checkVersion(record.VersionedRecord); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func EncodeFlagged(flagged []model.FlaggedIndividual) ([]byte, error) {
	return json.Marshal(flagged)
}

func DecodeFlagged(data []byte) ([]model.FlaggedIndividual, error) {
	var flagged []model.FlaggedIndividual
	if err := json.Unmarshal(data, &flagged); err != nil {
		return nil, err
	}
	for _, item := range flagged {
		if err := checkVersion(item.VersionedRecord); err != nil {
			return nil, err
		}
	}
	return flagged, nil
}

func EncodeFitnessHistory(history []float64) ([]byte, error) {
	return json.Marshal(history)
}

func DecodeFitnessHistory(data []byte) ([]float64, error) {
	var history []float64
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func EncodeGenerationDiagnostics(diagnostics []model.GenerationDiagnostics) ([]byte, error) {
	return json.Marshal(diagnostics)
}

func DecodeGenerationDiagnostics(data []byte) ([]model.GenerationDiagnostics, error) {
	var diagnostics []model.GenerationDiagnostics
	if err := json.Unmarshal(data, &diagnostics); err != nil {
		return nil, err
	}
	return diagnostics, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}

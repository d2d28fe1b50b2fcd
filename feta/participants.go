package feta

import (
	"os"
	"strconv"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/pkg/errors"
)

// AgeColumn is the 0-based column of participants.tsv holding gestational age.
const AgeColumn = 2

// Participant is one row of participants.tsv.
type Participant struct {
	ID             string
	GestationalAge float64
}

// ReadParticipants reads a tab-separated participants table. The header row
// is skipped and the gestational age is read from the third column; row
// order is subject order.
func ReadParticipants(path string) ([]Participant, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open participants table")
	}
	defer f.Close()

	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(true),
		dataframe.WithDelimiter('\t'),
		dataframe.DetectTypes(false),
	)
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "failed to parse %q", path)
	}

	names := df.Names()
	if len(names) <= AgeColumn {
		return nil, errors.Errorf("%q: expected at least %d columns, got %d", path, AgeColumn+1, len(names))
	}

	ids := df.Col(names[0]).Records()
	ages := df.Col(names[AgeColumn]).Records()

	participants := make([]Participant, len(ages))
	for i, s := range ages {
		age, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "%q: row %d: invalid gestational age", path, i+1)
		}
		participants[i] = Participant{ID: ids[i], GestationalAge: age}
	}

	return participants, nil
}

// GestationalAges returns the ages of participants in row order.
func GestationalAges(participants []Participant) []float64 {
	ages := make([]float64, len(participants))
	for i, p := range participants {
		ages[i] = p.GestationalAge
	}
	return ages
}

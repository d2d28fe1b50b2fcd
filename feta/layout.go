package feta

import (
	"fmt"
	"path/filepath"
)

// FeTA directory conventions.
const (
	ParticipantsFile = "participants.tsv"
	ImageSuffix      = "rec-mial_T2w.nii.gz"
	LabelSuffix      = "rec-mial_dseg.nii.gz"
)

// Layout resolves subject file paths under a FeTA root directory:
//
//	<root>/participants.tsv
//	<root>/sub-001/anat/sub-001_rec-mial_T2w.nii.gz
//	<root>/sub-001/anat/sub-001_rec-mial_dseg.nii.gz
type Layout struct {
	Root string
}

// SubjectID returns the subject id of a 0-based dataset index (index 0 is sub-001).
func (l Layout) SubjectID(index int) string {
	return fmt.Sprintf("sub-%03d", index+1)
}

func (l Layout) SubjectDir(index int) string {
	return filepath.Join(l.Root, l.SubjectID(index))
}

func (l Layout) ImagePath(index int) string {
	id := l.SubjectID(index)
	return filepath.Join(l.Root, id, "anat", fmt.Sprintf("%v_%v", id, ImageSuffix))
}

func (l Layout) LabelPath(index int) string {
	id := l.SubjectID(index)
	return filepath.Join(l.Root, id, "anat", fmt.Sprintf("%v_%v", id, LabelSuffix))
}

func (l Layout) ParticipantsPath() string {
	return filepath.Join(l.Root, ParticipantsFile)
}

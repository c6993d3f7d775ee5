package d2r

import (
	"fmt"
	"strings"
	"time"

	"github.com/asaidimu/go-tessera/core/metainf"
	"github.com/asaidimu/go-tessera/core/txn"
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Issue codes reported in a ValidationError.
const (
	CodeFieldArity   = "FIELD_ARITY_MISMATCH"
	CodeScalarArity  = "SCALAR_ARITY_MISMATCH"
	CodeTypeMismatch = "TYPE_MISMATCH"
	CodeRootIdentity = "ROOT_IDENTITY_MISMATCH"
	CodeRootSequence = "ROOT_WITH_SEQUENCE"
	CodeNegativeRid  = "NEGATIVE_RID"
	CodeRidNotTaken  = "RID_NOT_RESERVED"
	CodeDuplicateRid = "DUPLICATE_RID"
)

// Issue describes one problem found in a batch.
type Issue struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Path     string `json:"path,omitempty"`
	Severity string `json:"severity,omitempty"`
}

// ValidationError is the user condition returned for a rejected batch.
type ValidationError struct {
	DocPart metainf.DocPart
	Issues  []Issue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		msgs = append(msgs, issue.Message)
	}
	return fmt.Sprintf("invalid rows for doc part %s: %s", e.DocPart.TableRef, strings.Join(msgs, "; "))
}

// NewValidationError returns issues as a user condition.
func NewValidationError(dp metainf.DocPart, issues ...Issue) error {
	return errors.Mark(&ValidationError{DocPart: dp, Issues: issues}, txn.ErrUser)
}

// DuplicateRidIssue reports a rid already stored in the doc part.
func DuplicateRidIssue(index int, rid int64) Issue {
	return Issue{
		Code:     CodeDuplicateRid,
		Message:  fmt.Sprintf("rid %d is already used", rid),
		Path:     rowPath(index),
		Severity: "error",
	}
}

// Validator checks batches against a schema view.
type Validator struct {
	view   metainf.View
	issues []Issue
}

// NewValidator returns a validator reading metadata from view.
func NewValidator(view metainf.View) *Validator {
	return &Validator{view: view}
}

// Validate checks data before it is inserted into col. watermark is the
// next unreserved rid of the doc part; every row must use a reserved rid.
//
// Metadata that does not match the view is a rollback condition. Problems in
// the rows themselves are returned as a ValidationError marked as a user
// condition.
func (v *Validator) Validate(col metainf.Collection, data *DocPartData, watermark int64) error {
	v.issues = v.issues[:0]

	if data == nil {
		return txn.Rollbackf("insert into %q without data", col.Name)
	}
	dp, ok := v.view.DocPartByID(data.DocPart.ID)
	if !ok || dp.CollectionID != col.ID {
		return txn.Rollbackf("doc part %s is not part of collection %q", data.DocPart.TableRef, col.Name)
	}
	for _, f := range data.Fields {
		if cur, ok := v.view.FieldByID(f.ID); !ok || cur.DocPartID != dp.ID {
			return txn.Rollbackf("field %q does not belong to doc part %s", f.Name, dp.TableRef)
		}
	}
	for _, s := range data.Scalars {
		if cur, ok := v.view.ScalarByID(s.ID); !ok || cur.DocPartID != dp.ID {
			return txn.Rollbackf("scalar %s does not belong to doc part %s", s.Type, dp.TableRef)
		}
	}

	seen := make(map[int64]int, len(data.Rows))
	for i, row := range data.Rows {
		v.validateRow(dp, data, i, row, watermark)
		if prev, ok := seen[row.Rid]; ok {
			v.addIssue(CodeDuplicateRid, fmt.Sprintf("rid %d repeats row %d", row.Rid, prev), rowPath(i))
		} else {
			seen[row.Rid] = i
		}
	}

	if len(v.issues) > 0 {
		issues := make([]Issue, len(v.issues))
		copy(issues, v.issues)
		return NewValidationError(dp, issues...)
	}
	return nil
}

func (v *Validator) validateRow(dp metainf.DocPart, data *DocPartData, i int, row DocPartRow, watermark int64) {
	path := rowPath(i)

	if len(row.FieldValues) != len(data.Fields) {
		v.addIssue(CodeFieldArity, fmt.Sprintf("row has %d field values for %d fields", len(row.FieldValues), len(data.Fields)), path)
	}
	if len(row.ScalarValues) != len(data.Scalars) {
		v.addIssue(CodeScalarArity, fmt.Sprintf("row has %d scalar values for %d scalars", len(row.ScalarValues), len(data.Scalars)), path)
	}

	if dp.TableRef.IsRoot() {
		if row.Rid != row.Did || row.Pid != row.Did {
			v.addIssue(CodeRootIdentity, fmt.Sprintf("root row must have did = rid = pid, got did %d rid %d pid %d", row.Did, row.Rid, row.Pid), path)
		}
		if row.Seq != nil {
			v.addIssue(CodeRootSequence, "root row cannot carry an array position", path)
		}
	}

	switch {
	case row.Rid < 0 || row.Did < 0 || row.Pid < 0:
		v.addIssue(CodeNegativeRid, "row identifiers must not be negative", path)
	case row.Rid >= watermark:
		v.addIssue(CodeRidNotTaken, fmt.Sprintf("rid %d was not reserved, next free rid is %d", row.Rid, watermark), path)
	}

	for j, value := range row.FieldValues {
		if j >= len(data.Fields) {
			break
		}
		f := data.Fields[j]
		if !CheckValue(f.Type, value) {
			v.addIssue(CodeTypeMismatch, fmt.Sprintf("field %q expects %s, got %T", f.Name, f.Type, value), fmt.Sprintf("%s.fields.%s", path, f.Name))
		}
	}
	for j, value := range row.ScalarValues {
		if j >= len(data.Scalars) {
			break
		}
		s := data.Scalars[j]
		if !CheckValue(s.Type, value) {
			v.addIssue(CodeTypeMismatch, fmt.Sprintf("scalar %s got %T", s.Type, value), fmt.Sprintf("%s.scalars.%s", path, s.Type))
		}
	}
}

func (v *Validator) addIssue(code, message, path string) {
	v.issues = append(v.issues, Issue{
		Code:     code,
		Message:  message,
		Path:     path,
		Severity: "error",
	})
}

func rowPath(i int) string {
	return fmt.Sprintf("rows[%d]", i)
}

// CheckValue reports whether value can be stored in a column of type typ.
// nil fits every column.
func CheckValue(typ metainf.FieldType, value any) bool {
	if value == nil {
		return true
	}
	switch typ {
	case metainf.FieldTypeNull:
		return false
	case metainf.FieldTypeBoolean, metainf.FieldTypeChild:
		_, ok := value.(bool)
		return ok
	case metainf.FieldTypeInteger:
		_, ok := value.(int32)
		return ok
	case metainf.FieldTypeLong:
		_, ok := value.(int64)
		return ok
	case metainf.FieldTypeDouble:
		_, ok := value.(float64)
		return ok
	case metainf.FieldTypeString:
		_, ok := value.(string)
		return ok
	case metainf.FieldTypeBinary:
		_, ok := value.([]byte)
		return ok
	case metainf.FieldTypeDate, metainf.FieldTypeInstant:
		_, ok := value.(time.Time)
		return ok
	case metainf.FieldTypeObjectID:
		_, ok := value.(primitive.ObjectID)
		return ok
	default:
		return false
	}
}

package functiontype

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Cvelth/revng-sub000/pkg/model"
)

// Direction selects which prototypes ConvertAll rewrites
type Direction int

const (
	ToRaw Direction = iota
	ToCABI
)

func (d Direction) String() string {
	if d == ToCABI {
		return "to-cabi"
	}
	return "to-raw"
}

// Conversion records a prototype replaced by ConvertAll
type Conversion struct {
	From model.TypeKey `yaml:"From"`
	To   model.TypeKey `yaml:"To"`
}

// Report is the outcome of ConvertAll
type Report struct {
	Converted []Conversion    `yaml:"Converted,omitempty"`
	Skipped   []model.TypeKey `yaml:"Skipped,omitempty"`
}

// ConvertAll converts every prototype of b in the given direction.
// Prototypes already in the target form are left alone. Raw prototypes that
// cannot be expressed in the target convention are reported as skipped. A
// CABI prototype that cannot be lowered aborts the run; the conversions
// done so far are kept.
func ConvertAll(b *model.Binary, direction Direction, target model.ABI, opts Options) (Report, error) {
	var report Report
	for _, key := range b.FunctionTypes() {
		switch direction {
		case ToRaw:
			if key.Kind != model.CABIFunctionTypeKind {
				continue
			}
			converted, err := ConvertToRaw(b, key)
			if err != nil {
				return report, fmt.Errorf("lowering %s: %w", key, err)
			}
			report.Converted = append(report.Converted, Conversion{From: key, To: converted})

		case ToCABI:
			if key.Kind != model.RawFunctionTypeKind {
				continue
			}
			converted, ok := TryConvertToCABI(b, key, target, opts)
			if !ok {
				report.Skipped = append(report.Skipped, key)
				continue
			}
			report.Converted = append(report.Converted, Conversion{From: key, To: converted})

		default:
			return report, errors.New("unknown conversion direction")
		}
	}

	Logger().Info("converted prototypes",
		zap.Stringer("direction", direction),
		zap.Int("converted", len(report.Converted)),
		zap.Int("skipped", len(report.Skipped)))
	return report, nil
}

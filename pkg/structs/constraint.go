package structs

// ConstraintOperator enumerates the placement constraint operators §4.3
// evaluates against an offer.
type ConstraintOperator string

const (
	ConstraintUnique  ConstraintOperator = "UNIQUE"
	ConstraintCluster ConstraintOperator = "CLUSTER"
	ConstraintGroupBy ConstraintOperator = "GROUP_BY"
	ConstraintLike    ConstraintOperator = "LIKE"
	ConstraintUnlike  ConstraintOperator = "UNLIKE"
)

// Constraint is one placement rule. Value is interpreted per Operator:
// CLUSTER's required value, LIKE/UNLIKE's regex, GROUP_BY's group count
// (parsed as an integer; empty means unbounded).
type Constraint struct {
	Field    string
	Operator ConstraintOperator
	Value    string
}

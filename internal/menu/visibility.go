package menu

// Stage names the gate of the visibility check that rejected an item.
type Stage string

const (
	StageAdmin      Stage = "admin"
	StageRole       Stage = "role"
	StagePermission Stage = "permission"
	StageRequired   Stage = "required_condition"
	StageOptional   Stage = "optional_condition"
	StagePassed     Stage = "passed"
)

// Decision is the verdict for one item plus the stage that produced it.
type Decision struct {
	ItemID  string `json:"itemId"`
	Visible bool   `json:"visible"`
	Stage   Stage  `json:"stage"`
	Reason  string `json:"reason,omitempty"`
}

// Decide runs the gates in order and stops at the first failure:
// admin flags, role allow-list, permission allow-list, conditions.
func Decide(item Item, rc RequestContext) Decision {
	d := Decision{ItemID: item.ID}
	if !item.IsVisible || !item.IsEnabled {
		d.Stage = StageAdmin
		d.Reason = "item is hidden or disabled"
		return d
	}
	if len(item.Roles) > 0 && !intersects(item.Roles, rc.UserRoles) {
		d.Stage = StageRole
		d.Reason = "none of the required roles is held"
		return d
	}
	if len(item.Permissions) > 0 && !intersects(item.Permissions, rc.UserPermissions) {
		d.Stage = StagePermission
		d.Reason = "none of the required permissions is held"
		return d
	}

	var optional, optionalPassed int
	for _, cond := range item.Conditions {
		ok := Evaluate(cond, rc)
		if cond.IsRequired {
			if !ok {
				d.Stage = StageRequired
				d.Reason = "required " + string(cond.Type) + " condition failed"
				return d
			}
			continue
		}
		optional++
		if ok {
			optionalPassed++
		}
	}
	if optional > 0 && optionalPassed == 0 {
		d.Stage = StageOptional
		d.Reason = "no optional condition passed"
		return d
	}
	d.Visible = true
	d.Stage = StagePassed
	return d
}

// IsVisible reports whether item is shown for rc.
func IsVisible(item Item, rc RequestContext) bool {
	return Decide(item, rc).Visible
}

// Filter keeps the items visible for rc, preserving input order.
func Filter(items []Item, rc RequestContext) []Item {
	out := make([]Item, 0, len(items))
	for _, item := range items {
		if IsVisible(item, rc) {
			out = append(out, item)
		}
	}
	return out
}

func intersects(required, held []string) bool {
	if len(held) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(held))
	for _, h := range held {
		set[h] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}

package authz

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"getonblockchain/pkg/config"
)

var Module = fx.Module("authz", fx.Provide(ProvideEnforcer))

const (
	RoleMember = "member"
	RoleStaff  = "staff"
	RoleOwner  = "owner"

	ObjRedemption = "redemption"

	ActCreate  = "create"
	ActRead    = "read"
	ActCancel  = "cancel"
	ActVerify  = "verify"
	ActConfirm = "confirm"
	ActDecline = "decline"
	ActList    = "list"
	ActCleanup = "cleanup"
)

const defaultModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

var defaultPolicies = [][]string{
	{RoleMember, ObjRedemption, ActCreate},
	{RoleMember, ObjRedemption, ActRead},
	{RoleMember, ObjRedemption, ActCancel},
	{RoleStaff, ObjRedemption, ActVerify},
	{RoleStaff, ObjRedemption, ActConfirm},
	{RoleStaff, ObjRedemption, ActDecline},
	{RoleStaff, ObjRedemption, ActList},
	{RoleOwner, ObjRedemption, ActCleanup},
}

var defaultGroupings = [][]string{
	{RoleOwner, RoleStaff},
}

// Enforcer answers whether a role may perform an action on an object.
type Enforcer interface {
	Enforce(rvals ...interface{}) (bool, error)
}

// ProvideEnforcer loads ACCESS_CONTROL.MODEL and ACCESS_CONTROL.POLICY when
// set, otherwise the built-in redemption policy.
func ProvideEnforcer(cfg *config.Config) (Enforcer, error) {
	ac := cfg.AccessControl
	if ac.Model != "" && ac.Policy != "" {
		e, err := casbin.NewEnforcer(ac.Model, fileadapter.NewAdapter(ac.Policy))
		if err != nil {
			return nil, fmt.Errorf("authz: load %s: %w", ac.Model, err)
		}
		zap.L().Info("access control loaded", zap.String("model", ac.Model), zap.String("policy", ac.Policy))
		return e, nil
	}

	e, err := NewDefault()
	if err != nil {
		return nil, err
	}
	return e, nil
}

func NewDefault() (*casbin.Enforcer, error) {
	m, err := model.NewModelFromString(defaultModel)
	if err != nil {
		return nil, fmt.Errorf("authz: parse model: %w", err)
	}

	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("authz: new enforcer: %w", err)
	}

	if _, err := e.AddPolicies(defaultPolicies); err != nil {
		return nil, fmt.Errorf("authz: add policies: %w", err)
	}
	if _, err := e.AddGroupingPolicies(defaultGroupings); err != nil {
		return nil, fmt.Errorf("authz: add groupings: %w", err)
	}
	return e, nil
}

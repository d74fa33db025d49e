package pipeline

import (
	"context"

	"keepersecurity.com/gws-admin/cache"
	"keepersecurity.com/gws-admin/directory"
	"keepersecurity.com/gws-admin/errdefs"
)

// CreateOrgUnit creates name under parent. The parent has to exist.
func (p *Pipeline) CreateOrgUnit(ctx context.Context, parent, name, description string) (*Result, error) {
	if parent == "" {
		parent = directory.RootPath
	}
	var path = directory.JoinPath(parent, name)
	return p.perform(ctx, ActionCreateOrgUnit, "orgunit:"+path, "orgunit:"+path, func(ctx context.Context, r *run) (err error) {
		if name == "" {
			return errdefs.Validation("name", "required")
		}
		var ou = &directory.OrgUnit{
			Name:        name,
			Path:        path,
			ParentPath:  parent,
			Description: description,
		}
		if err = ou.Check(); err != nil {
			return
		}

		r.at(StepPreflight)
		if err = p.checkOrgUnit(ctx, parent); err != nil {
			return
		}

		r.execute()
		r.invalidate = []cache.Kind{cache.KindOrgUnits}
		created, err := p.transport.InsertOrgUnit(ctx, ou)
		if err != nil {
			return withOrgUnitPath(err, parent)
		}
		r.detail("id", created.Id)
		r.entity = created
		return nil
	})
}

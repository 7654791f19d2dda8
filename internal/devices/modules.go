package devices

import (
	"context"
	"fmt"

	"github.com/ignatij/stepflow/pkg/models"
	"github.com/ignatij/stepflow/pkg/service"
)

// VolumeRequest describes a volume to provision.
type VolumeRequest struct {
	System   string // array the volume lives on
	Volume   string
	SizeGiB  int
	Snapshot string   // optional protection snapshot
	Hosts    []string // hosts to export to, may be empty
}

// LockKey is the resource key serialising workflows on one volume.
func LockKey(system, volume string) string {
	return system + "/" + volume
}

// VolumeModule contributes the step that creates the volume.
type VolumeModule struct {
	System  string
	Volume  string
	SizeGiB int
}

func (m VolumeModule) AddSteps(_ context.Context, plan *service.Plan, waitFor service.StepHandle) (service.StepHandle, error) {
	return plan.CreateStep("create-volume", fmt.Sprintf("create %d GiB volume %s", m.SizeGiB, m.Volume), waitFor, m.System,
		models.NewAction(
			models.ActionDescriptor{Target: ArrayTarget, Method: CreateVolume, Args: []interface{}{m.Volume, m.SizeGiB}},
			&models.ActionDescriptor{Target: ArrayTarget, Method: DeleteVolume, Args: []interface{}{m.Volume}},
		),
		service.WithResourceID(m.Volume),
		service.WithLockKeys(LockKey(m.System, m.Volume)),
	)
}

// SnapshotModule takes a protection snapshot after the volume exists. It
// contributes nothing when no snapshot name is set.
type SnapshotModule struct {
	System   string
	Volume   string
	Snapshot string
}

func (m SnapshotModule) AddSteps(_ context.Context, plan *service.Plan, waitFor service.StepHandle) (service.StepHandle, error) {
	if m.Snapshot == "" {
		return waitFor, nil
	}
	return plan.CreateStep("create-snapshot", fmt.Sprintf("snapshot %s as %s", m.Volume, m.Snapshot), waitFor, m.System,
		models.NewAction(
			models.ActionDescriptor{Target: ArrayTarget, Method: CreateSnapshot, Args: []interface{}{m.Volume, m.Snapshot}},
			&models.ActionDescriptor{Target: ArrayTarget, Method: DeleteSnapshot, Args: []interface{}{m.Snapshot}},
		),
		service.WithResourceID(m.Snapshot),
	)
}

// ExportModule exports the volume to every host in parallel and joins the
// exports into one token.
type ExportModule struct {
	System string
	Volume string
	Hosts  []string
}

func (m ExportModule) AddSteps(_ context.Context, plan *service.Plan, waitFor service.StepHandle) (service.StepHandle, error) {
	if len(m.Hosts) == 0 {
		return waitFor, nil
	}
	handles := make([]service.StepHandle, 0, len(m.Hosts))
	for _, host := range m.Hosts {
		h, err := plan.CreateStep("export-"+host, fmt.Sprintf("export %s to %s", m.Volume, host), waitFor, m.System,
			models.NewAction(
				models.ActionDescriptor{Target: ArrayTarget, Method: ExportVolume, Args: []interface{}{m.Volume, host}},
				&models.ActionDescriptor{Target: ArrayTarget, Method: UnexportVolume, Args: []interface{}{m.Volume, host}},
			),
			service.WithResourceID(m.Volume),
		)
		if err != nil {
			return service.NoWait, err
		}
		handles = append(handles, h)
	}
	return service.AllOf(handles...), nil
}

// Contributors returns the modules that provision req, in order.
func (req VolumeRequest) Contributors() []service.StepContributor {
	return []service.StepContributor{
		VolumeModule{System: req.System, Volume: req.Volume, SizeGiB: req.SizeGiB},
		SnapshotModule{System: req.System, Volume: req.Volume, Snapshot: req.Snapshot},
		ExportModule{System: req.System, Volume: req.Volume, Hosts: req.Hosts},
	}
}

// VolumeCreatePlan builds the provisioning workflow for req.
func VolumeCreatePlan(ctx context.Context, req VolumeRequest, taskID string) (*service.Plan, error) {
	plan := service.NewPlan(ArrayTarget, "volume-create", true, taskID)
	if _, err := service.Chain(ctx, plan, service.NoWait, req.Contributors()...); err != nil {
		return nil, err
	}
	return plan, nil
}

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"
	"github.com/caarlos0/alarmlink"
)

const commandTimeout = 30 * time.Second

// Commander sends commands to the device.
type Commander interface {
	SendCommand(ctx context.Context, cmd alarmlink.Command) error
}

type SecuritySystem struct {
	*accessory.A
	SecuritySystem *service.SecuritySystem
	Offline        *characteristic.StatusFault

	cmd Commander
}

func NewSecuritySystem(info accessory.Info, cmd Commander) *SecuritySystem {
	a := SecuritySystem{cmd: cmd}
	a.A = accessory.New(info, accessory.TypeSecuritySystem)

	a.SecuritySystem = service.NewSecuritySystem()
	a.AddS(a.SecuritySystem.S)

	a.Offline = characteristic.NewStatusFault()
	a.SecuritySystem.AddC(a.Offline.C)

	a.SecuritySystem.SecuritySystemTargetState.SetValueRequestFunc = a.updateHandler
	return &a
}

func (a *SecuritySystem) Update(status alarmlink.DeviceStatus, online bool) {
	if v := currentState(status); a.SecuritySystem.SecuritySystemCurrentState.Value() != v {
		err := a.SecuritySystem.SecuritySystemCurrentState.SetValue(v)
		log.Info("set current state", "state", v, "err", err)
	}
	if v := targetState(status); a.SecuritySystem.SecuritySystemTargetState.Value() != v {
		_ = a.SecuritySystem.SecuritySystemTargetState.SetValue(v)
	}
	if v := boolAs[int](!online); a.Offline.Value() != v {
		_ = a.Offline.SetValue(v)
		log.Info("device status", "online", online)
	}
}

func (a *SecuritySystem) updateHandler(
	v interface{},
	_ *http.Request,
) (response interface{}, code int) {
	target, ok := v.(int)
	if !ok {
		return nil, hap.JsonStatusInvalidValueInRequest
	}
	cmd, ok := commandFor(target)
	if !ok {
		return nil, hap.JsonStatusResourceDoesNotExist
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	log.Info("homekit command", "cmd", cmd)
	if err := a.cmd.SendCommand(ctx, cmd); err != nil {
		log.Error("could not send command", "cmd", cmd, "err", err)
		return nil, hap.JsonStatusResourceBusy
	}
	return nil, hap.JsonStatusSuccess
}

// Sensors exposes the PIR and the lock of the device.
type Sensors struct {
	*accessory.A
	Motion *service.MotionSensor
	Lock   *service.ContactSensor
}

func newSensors(info accessory.Info) *Sensors {
	a := Sensors{}
	a.A = accessory.New(info, accessory.TypeSensor)

	a.Motion = service.NewMotionSensor()
	a.AddS(a.Motion.S)

	// closed while locked
	a.Lock = service.NewContactSensor()
	a.AddS(a.Lock.S)
	return &a
}

func (a *Sensors) Update(status alarmlink.DeviceStatus) {
	motion := status.Motion != alarmlink.MotionClear
	if a.Motion.MotionDetected.Value() != motion {
		a.Motion.MotionDetected.SetValue(motion)
		log.Info("motion", "status", status.Motion)
	}
	open := boolAs[int](!status.Locked)
	if a.Lock.ContactSensorState.Value() != open {
		_ = a.Lock.ContactSensorState.SetValue(open)
		log.Info("lock", "locked", status.Locked)
	}
}

// setupPreviewButton is a momentary switch requesting a camera snapshot.
func setupPreviewButton(cmd Commander) *accessory.Switch {
	a := accessory.NewSwitch(accessory.Info{
		Name:         "Camera Preview",
		Manufacturer: manufacturer,
	})
	a.Switch.On.SetValueRequestFunc = func(value interface{}, _ *http.Request) (response interface{}, code int) {
		if v, _ := value.(bool); !v {
			return nil, hap.JsonStatusSuccess
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := cmd.SendCommand(ctx, alarmlink.CmdStreamPreview); err != nil {
			log.Error("could not request preview", "err", err)
			return nil, hap.JsonStatusResourceBusy
		}
		go func() {
			time.Sleep(time.Second)
			a.Switch.On.SetValue(false)
		}()
		return nil, hap.JsonStatusSuccess
	}
	return a
}

func boolAs[T int | float64](b bool) T {
	if b {
		return 1
	}
	return 0
}

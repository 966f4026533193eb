package notification

import (
	"context"

	"github.com/mitchellh/mapstructure"
	"github.com/objectql/objectos-sub008/workflow"
	"go.uber.org/zap"
)

// ActionName is the name the notify action is registered under.
const ActionName = "notify"

// DecodeConfig decodes action params into a Config. A single recipient may be
// given as a plain string.
func DecodeConfig(params map[string]interface{}) (Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(params); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewAction returns the engine action that sends the notification described
// by its params. It never fails the transition it runs in.
func NewAction(svc *Service) workflow.Action {
	return workflow.ActionFunc(func(ctx context.Context, ec *workflow.ExecutionContext) error {
		cfg, err := DecodeConfig(ec.Params())
		if err != nil {
			ec.Logger.Warn("Invalid notify params", zap.Error(err))
			return nil
		}
		svc.Send(ctx, cfg, Vars(ec))
		return nil
	})
}

// Register adds the notify action to engine.
func Register(engine *workflow.Engine, svc *Service) {
	engine.RegisterAction(ActionName, NewAction(svc))
}

// Vars is the template scope of an execution context: the instance data plus
// the transition fields.
func Vars(ec *workflow.ExecutionContext) map[string]interface{} {
	data := ec.Data()
	vars := make(map[string]interface{}, len(data)+7)
	for k, v := range data {
		vars[k] = v
	}
	vars["instanceId"] = ec.InstanceID
	vars["definition"] = ec.DefinitionName
	vars["fromState"] = ec.FromState
	vars["toState"] = ec.ToState
	vars["transition"] = ec.Transition
	vars["triggeredBy"] = ec.TriggeredBy
	if ec.Comment != "" {
		vars["comment"] = ec.Comment
	}
	return vars
}

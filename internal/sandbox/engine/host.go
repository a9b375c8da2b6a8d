package engine

import (
	"github.com/dop251/goja"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// maxLogMessage caps a single guest log line.
const maxLogMessage = 1024

// installHost exposes the capabilities the guest may use as the global
// `host` object. Each host call is metered.
func (c *Context) installHost() error {
	vm := c.vm
	host := vm.NewObject()
	memory := vm.NewObject()
	table := vm.NewObject()
	fuel := vm.NewObject()

	bindings := []struct {
		obj  *goja.Object
		name string
		fn   func(goja.FunctionCall) goja.Value
	}{
		{memory, "grow", c.hostMemoryGrow},
		{memory, "size", func(goja.FunctionCall) goja.Value { return vm.ToValue(c.gov.Pages()) }},
		{table, "grow", c.hostTableGrow},
		{fuel, "consume", c.hostFuelConsume},
		{fuel, "remaining", func(goja.FunctionCall) goja.Value { return vm.ToValue(c.gov.Remaining()) }},
		{host, "log", c.hostLog},
	}
	for _, b := range bindings {
		if err := b.obj.Set(b.name, c.metered(b.fn)); err != nil {
			return err
		}
	}
	for name, obj := range map[string]*goja.Object{"memory": memory, "table": table, "fuel": fuel} {
		if err := host.Set(name, obj); err != nil {
			return err
		}
	}
	return vm.Set("host", host)
}

// metered charges HostCallFuel before running fn. An exhausted budget throws
// into the guest; the pending interrupt stops it at the next instruction.
func (c *Context) metered(fn func(goja.FunctionCall) goja.Value) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if err := c.gov.Consume(HostCallFuel); err != nil {
			panic(c.vm.NewGoError(err))
		}
		return fn(call)
	}
}

// hostMemoryGrow returns the previous page count, or -1 when denied.
func (c *Context) hostMemoryGrow(call goja.FunctionCall) goja.Value {
	delta := call.Argument(0).ToInteger()
	if delta < 0 {
		return c.vm.ToValue(-1)
	}
	prev, ok := c.gov.GrowMemory(uint64(delta))
	if !ok {
		return c.vm.ToValue(-1)
	}
	return c.vm.ToValue(prev)
}

func (c *Context) hostTableGrow(call goja.FunctionCall) goja.Value {
	delta := call.Argument(0).ToInteger()
	if delta < 0 {
		return c.vm.ToValue(-1)
	}
	prev, ok := c.gov.GrowTable(uint64(delta))
	if !ok {
		return c.vm.ToValue(-1)
	}
	return c.vm.ToValue(prev)
}

func (c *Context) hostFuelConsume(call goja.FunctionCall) goja.Value {
	units := call.Argument(0).ToInteger()
	if units <= 0 {
		return goja.Undefined()
	}
	if err := c.gov.Consume(uint64(units)); err != nil {
		panic(c.vm.NewGoError(err))
	}
	return goja.Undefined()
}

func (c *Context) hostLog(call goja.FunctionCall) goja.Value {
	level, err := zapcore.ParseLevel(call.Argument(0).String())
	if err != nil {
		level = zapcore.InfoLevel
	}
	if level > zapcore.ErrorLevel {
		level = zapcore.ErrorLevel
	}
	msg := call.Argument(1).String()
	if len(msg) > maxLogMessage {
		msg = msg[:maxLogMessage]
	}
	if ce := c.logger.Check(level, msg); ce != nil {
		ce.Write(zap.String("source", "guest"), zap.String("component", c.image.name))
	}
	return goja.Undefined()
}

package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"pkg.cwmpsession.run/engine/rpc"
)

// cpeParam is one node of the fake CPE's data model tree.
type cpeParam struct {
	value    string
	xsdType  string
	writable bool
	isObject bool
}

// fakeCPE is a minimal in-memory stand-in for a real device: a flat
// name->param map plus per-object next-instance counters, just enough to
// exercise the full request/response vocabulary the engine can emit.
type fakeCPE struct {
	params  map[string]cpeParam
	nextIdx map[string]int // object path -> next instance number to assign
}

func newFakeCPE() *fakeCPE {
	c := &fakeCPE{params: map[string]cpeParam{}, nextIdx: map[string]int{}}
	c.seed()
	return c
}

func (c *fakeCPE) seed() {
	c.set("Device.DeviceInfo.Manufacturer", "Acme Networks", "xsd:string", false, false)
	c.set("Device.DeviceInfo.SoftwareVersion", "1.0.0", "xsd:string", false, false)
	c.setObj("Device.IF", true)
	c.setObj("Device.IF.1", true)
	c.set("Device.IF.1.Name", "wan0", "xsd:string", true, false)
	c.set("Device.IF.1.Enable", "true", "xsd:boolean", true, false)
	c.nextIdx["Device.IF"] = 2
}

func (c *fakeCPE) set(name, value, xsdType string, writable, isObject bool) {
	c.params[name] = cpeParam{value: value, xsdType: xsdType, writable: writable, isObject: isObject}
}

func (c *fakeCPE) setObj(name string, writable bool) {
	c.params[name] = cpeParam{writable: writable, isObject: true}
}

// children returns the immediate children of prefix (one segment deeper),
// synthesizing intermediate object names that have no attributes of their
// own but do have descendants in the map.
func (c *fakeCPE) children(prefix string) []string {
	depthPrefix := strings.TrimSuffix(prefix, ".")
	if depthPrefix != "" {
		depthPrefix += "."
	}
	seen := map[string]bool{}
	var out []string
	for name := range c.params {
		if depthPrefix != "" && !strings.HasPrefix(name, depthPrefix) {
			continue
		}
		rest := strings.TrimPrefix(name, depthPrefix)
		if rest == "" {
			continue
		}
		if idx := strings.Index(rest, "."); idx >= 0 {
			rest = rest[:idx]
		}
		child := depthPrefix + rest
		if !seen[child] {
			seen[child] = true
			out = append(out, child)
		}
	}
	sort.Strings(out)
	return out
}

// handle plays the part of a device processing one outbound RPC request,
// returning either a Response or a Fault.
func (c *fakeCPE) handle(req *rpc.Request) (rpc.Response, *rpc.Fault) {
	switch req.Name {
	case rpc.GetParameterNames:
		return c.handleGPN(req), nil
	case rpc.GetParameterValues:
		return c.handleGPV(req)
	case rpc.SetParameterValues:
		return c.handleSPV(req)
	case rpc.AddObject:
		return c.handleAddObject(req), nil
	case rpc.DeleteObject:
		name := strings.TrimSuffix(req.ObjectName, ".")
		for k := range c.params {
			if k == name || strings.HasPrefix(k, name+".") {
				delete(c.params, k)
			}
		}
		return rpc.Response{Name: rpc.DeleteObject}, nil
	case rpc.Download:
		return rpc.Response{Name: rpc.Download, Status: 1}, nil
	case rpc.Reboot, rpc.FactoryReset:
		return rpc.Response{Name: req.Name, Status: 0}, nil
	default:
		return rpc.Response{}, &rpc.Fault{FaultCode: "9000", FaultString: "unsupported method " + string(req.Name)}
	}
}

func (c *fakeCPE) handleGPN(req *rpc.Request) rpc.Response {
	path := strings.TrimSuffix(req.ParameterPath, ".")
	var names []string
	if path == "" {
		names = c.children("")
	} else if req.NextLevel {
		names = c.children(path)
	} else {
		for name := range c.params {
			if name == path || strings.HasPrefix(name, path+".") {
				names = append(names, name)
			}
		}
		sort.Strings(names)
	}

	resp := rpc.Response{Name: rpc.GetParameterNames}
	for _, name := range names {
		p, ok := c.params[name]
		if !ok {
			p = cpeParam{isObject: true, writable: true}
		}
		resp.ParameterNames = append(resp.ParameterNames, rpc.ParameterNameResult{
			Name: name, IsObject: p.isObject, Writable: p.writable,
		})
	}
	return resp
}

func (c *fakeCPE) handleGPV(req *rpc.Request) (rpc.Response, *rpc.Fault) {
	resp := rpc.Response{Name: rpc.GetParameterValues}
	for _, name := range req.ParameterNames {
		p, ok := c.params[name]
		if !ok {
			return rpc.Response{}, &rpc.Fault{FaultCode: "9005", FaultString: "invalid parameter name: " + name}
		}
		resp.ParameterValues = append(resp.ParameterValues, rpc.ParameterValueResult{
			Name: name, Value: p.value, XSDType: p.xsdType,
		})
	}
	return resp, nil
}

func (c *fakeCPE) handleSPV(req *rpc.Request) (rpc.Response, *rpc.Fault) {
	resp := rpc.Response{Name: rpc.SetParameterValues}
	for _, entry := range req.ParameterList {
		p, ok := c.params[entry.Name]
		if ok && !p.writable {
			return rpc.Response{}, &rpc.Fault{FaultCode: "9008", FaultString: "non-writable parameter: " + entry.Name}
		}
		p.value = entry.Value
		p.xsdType = entry.XSDType
		c.params[entry.Name] = p
		resp.SetNames = append(resp.SetNames, entry.Name)
	}
	return resp, nil
}

func (c *fakeCPE) handleAddObject(req *rpc.Request) rpc.Response {
	objectName := strings.TrimSuffix(req.ObjectName, ".")
	n := c.nextIdx[objectName]
	if n == 0 {
		n = 1
	}
	c.nextIdx[objectName] = n + 1

	instancePath := objectName + "." + strconv.Itoa(n)
	c.setObj(instancePath, true)
	for key, literal := range req.InstanceValues {
		c.set(fmt.Sprintf("%s.%s", instancePath, key), literal, "xsd:string", true, false)
	}
	return rpc.Response{Name: rpc.AddObject, InstanceNumber: n}
}

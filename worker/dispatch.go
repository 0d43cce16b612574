package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/everydev1618/fleet/docker"
	"github.com/everydev1618/fleet/protocol"
	"github.com/everydev1618/fleet/stream"
)

type ack struct {
	Success bool `json:"success"`
}

func (w *Worker) dispatch(ctx context.Context, c *docker.DockerClient, mux *stream.Multiplexer, req protocol.Request) (any, error) {
	switch req.Type {
	case protocol.ReqPing:
		return c.Ping(ctx)

	// Hosts
	case protocol.ReqAddHost:
		if req.Host == nil {
			return nil, fmt.Errorf("%w: host is required", docker.ErrInvalidHost)
		}
		h := *req.Host
		h.ID = 0
		return c.AddHost(ctx, h)
	case protocol.ReqRemoveHost:
		if err := c.RemoveHost(ctx, req.HostID); err != nil {
			return nil, err
		}
		mux.UnsubscribeHost(req.HostID)
		return ack{true}, nil
	case protocol.ReqUpdateHost:
		if req.Host == nil {
			return nil, fmt.Errorf("%w: host is required", docker.ErrInvalidHost)
		}
		h := *req.Host
		if req.HostID != 0 {
			h.ID = req.HostID
		}
		return c.UpdateHost(ctx, h)
	case protocol.ReqGetHosts:
		return c.Hosts()

	// Containers
	case protocol.ReqListContainers:
		return c.ListContainers(ctx, req.HostID, req.All)
	case protocol.ReqInspectContainer:
		return c.InspectContainer(ctx, req.HostID, req.ContainerID)
	case protocol.ReqContainerStats:
		return c.ContainerStats(ctx, req.HostID, req.ContainerID)
	case protocol.ReqStartContainer:
		return ack{true}, c.StartContainer(ctx, req.HostID, req.ContainerID)
	case protocol.ReqStopContainer:
		return ack{true}, c.StopContainer(ctx, req.HostID, req.ContainerID, req.StopTimeout)
	case protocol.ReqRestartContainer:
		return ack{true}, c.RestartContainer(ctx, req.HostID, req.ContainerID, req.StopTimeout)
	case protocol.ReqRemoveContainer:
		return ack{true}, c.RemoveContainer(ctx, req.HostID, req.ContainerID, req.Force)
	case protocol.ReqPauseContainer:
		return ack{true}, c.PauseContainer(ctx, req.HostID, req.ContainerID)
	case protocol.ReqUnpauseContainer:
		return ack{true}, c.UnpauseContainer(ctx, req.HostID, req.ContainerID)
	case protocol.ReqKillContainer:
		return ack{true}, c.KillContainer(ctx, req.HostID, req.ContainerID, req.Signal)
	case protocol.ReqRenameContainer:
		return ack{true}, c.RenameContainer(ctx, req.HostID, req.ContainerID, req.NewName)
	case protocol.ReqContainerLogs:
		var opts protocol.LogOptions
		if req.Logs != nil {
			opts = *req.Logs
		}
		return c.ContainerLogs(ctx, req.HostID, req.ContainerID, opts)
	case protocol.ReqExecContainer:
		if req.Exec == nil {
			return nil, fmt.Errorf("exec options are required")
		}
		return c.ExecContainer(ctx, req.HostID, req.ContainerID, *req.Exec)

	// Images, networks, volumes, system
	case protocol.ReqListImages:
		return c.ListImages(ctx, req.HostID)
	case protocol.ReqPullImage:
		return c.PullImage(ctx, req.HostID, req.Image, req.Tag)
	case protocol.ReqListNetworks:
		return c.ListNetworks(ctx, req.HostID)
	case protocol.ReqListVolumes:
		return c.ListVolumes(ctx, req.HostID)
	case protocol.ReqSystemInfo:
		return c.SystemInfo(ctx, req.HostID)
	case protocol.ReqSystemVersion:
		return c.SystemVersion(ctx, req.HostID)
	case protocol.ReqDiskUsage:
		return c.DiskUsage(ctx, req.HostID)
	case protocol.ReqPruneImages:
		return c.PruneImages(ctx, req.HostID)

	// Monitoring
	case protocol.ReqStartMonitoring:
		return c.StartMonitoring(ctx, req.Monitoring)
	case protocol.ReqStopMonitoring:
		return c.StopMonitoring()
	case protocol.ReqMonitoringStatus:
		return c.MonitoringStatus()
	case protocol.ReqRestartEventStream:
		return ack{true}, c.RestartEventStream()

	// Streams
	case protocol.ReqCreateConnection:
		id := req.ConnectionID
		if id == "" {
			id = uuid.New().String()
		}
		id, err := mux.CreateConnection(id, w.connectionSender(id))
		if err != nil {
			return nil, err
		}
		w.emit(protocol.EventConnectionCreated, protocol.ConnectionEvent{ConnectionID: id})
		return protocol.ConnectionEvent{ConnectionID: id}, nil
	case protocol.ReqCloseConnection:
		ok := mux.CloseConnection(req.ConnectionID)
		if ok {
			w.emit(protocol.EventConnectionClosed, protocol.ConnectionEvent{ConnectionID: req.ConnectionID})
		}
		return ack{ok}, nil
	case protocol.ReqSubscribe:
		var opts stream.Options
		if req.Subscribe != nil {
			opts = *req.Subscribe
		}
		id, err := mux.Subscribe(req.ConnectionID, req.Channel, opts, nil)
		if err != nil {
			return nil, err
		}
		return map[string]string{"subscriptionId": id}, nil
	case protocol.ReqUnsubscribe:
		return ack{mux.Unsubscribe(req.SubscriptionID)}, nil
	case protocol.ReqListSubscriptions:
		return mux.Subscriptions(req.ConnectionID), nil
	case protocol.ReqListChannels:
		return stream.Channels(), nil
	case protocol.ReqStreamMessage:
		return mux.HandleMessage(req.ConnectionID, []byte(req.Raw)), nil

	// Teardown
	case protocol.ReqCleanup:
		mux.Close()
		c.Dispose()
		return ack{true}, nil
	case protocol.ReqDeleteTable:
		return ack{true}, c.DeleteHosts(ctx)
	}
	return nil, fmt.Errorf("unknown request type %q", req.Type)
}

// connectionSender relays stream messages for a connection to the manager
// as message:send events.
func (w *Worker) connectionSender(id string) stream.SendFunc {
	return func(msg stream.Message) {
		raw, err := json.Marshal(msg)
		if err != nil {
			return
		}
		w.emit(protocol.EventMessageSend, protocol.SendEvent{ConnectionID: id, Message: raw})
	}
}

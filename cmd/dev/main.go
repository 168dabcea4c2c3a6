package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/couchbase/gocbcorex/contrib/buildversion"
	"github.com/couchbase/stellar-coordinator/clustering"
	"github.com/couchbase/stellar-coordinator/lease"
	"github.com/couchbase/stellar-coordinator/lease/memlease"
	"github.com/couchbase/stellar-coordinator/membersource"
	"go.uber.org/zap"
)

var numInstances = flag.Uint("num-instances", 3, "how many instances to run")
var numLeases = flag.Uint("num-leases", 8, "how many leases to spread across the instances")
var vnodes = flag.Int("vnodes", clustering.DefaultVnodesCount, "the number of virtual nodes per instance")
var churnInterval = flag.Duration("churn-interval", 0, "how often to restart one of the instances, 0 disables churn")

type devInstance struct {
	cluster *clustering.Cluster
	manager *lease.DefaultManager
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

func startInstance(
	logger *zap.Logger,
	provider membersource.Provider,
	store *memlease.Store,
	idx int,
) (*devInstance, error) {
	name := fmt.Sprintf("node-%d", idx)
	logger = logger.Named(name)

	cluster, err := clustering.NewCluster(clustering.ClusterOptions{
		Self: clustering.Member{
			Name:    name,
			Address: fmt.Sprintf("127.0.0.1:%d", 9100+idx),
		},
		Partitioner: clustering.HashRingPartitioner(&clustering.HashRingOptions{
			VnodesCount: *vnodes,
		}),
		Logger: logger.Named("cluster"),
	})
	if err != nil {
		return nil, err
	}

	manager, err := lease.NewManager(lease.ManagerOptions{
		Backend:       store,
		HolderID:      name,
		Logger:        logger.Named("leases"),
		CheckInterval: time.Second,
		Gate:          lease.ClusterGate(cluster, nil),
		AutoAcquire:   true,
	})
	if err != nil {
		cluster.Close()
		return nil, err
	}

	for leaseIdx := 0; leaseIdx < int(*numLeases); leaseIdx++ {
		l := manager.RequestLease(fmt.Sprintf("lease-%d", leaseIdx))
		l.AddListener(lease.ListenerFuncs{
			OnAcquire: func(l lease.Lease) {
				logger.Info("acquired lease", zap.String("lease", l.Name()))
			},
			OnRelease: func(l lease.Lease) {
				logger.Info("releasing lease", zap.String("lease", l.Name()))
			},
		})
	}

	cluster.Watch(func(changes *clustering.Changes) {
		manager.Trigger()
	})
	manager.Start()

	syncer, err := membersource.NewSyncer(membersource.SyncerOptions{
		Provider: provider,
		Cluster:  cluster,
		Logger:   logger.Named("membership"),
	})
	if err != nil {
		manager.Close()
		cluster.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	inst := &devInstance{
		cluster: cluster,
		manager: manager,
		cancel:  cancel,
		doneCh:  make(chan struct{}),
	}

	go func() {
		defer close(inst.doneCh)

		err := syncer.Run(ctx)
		if err != nil {
			logger.Error("membership syncer failed", zap.Error(err))
		}
	}()

	return inst, nil
}

func (i *devInstance) Stop() {
	i.manager.Close()
	i.cancel()
	<-i.doneCh
	i.cluster.Close()
}

func main() {
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Printf("failed to initialize logging: %s", err)
		os.Exit(1)
	}

	buildVersion := buildversion.GetVersion("github.com/couchbase/stellar-coordinator")
	logger.Info("starting stellar-coordinator dev cluster",
		zap.String("version", buildVersion),
		zap.Uint("instances", *numInstances),
		zap.Uint("leases", *numLeases))

	// every instance shares the same membership and lease state, as if they
	// were separate processes talking to one coordination service
	provider, err := membersource.NewInProcProvider(membersource.InProcProviderOptions{})
	if err != nil {
		logger.Error("failed to create membership provider", zap.Error(err))
		os.Exit(1)
	}
	store := memlease.NewStore()

	var instancesLock sync.Mutex
	instances := make([]*devInstance, *numInstances)
	for idx := range instances {
		inst, err := startInstance(logger, provider, store, idx)
		if err != nil {
			logger.Error("failed to start instance", zap.Int("instance", idx), zap.Error(err))
			os.Exit(1)
		}
		instances[idx] = inst
	}

	stopCh := make(chan struct{})
	if *churnInterval > 0 && len(instances) > 0 {
		go func() {
			ticker := time.NewTicker(*churnInterval)
			defer ticker.Stop()

			for churnIdx := 0; ; churnIdx++ {
				select {
				case <-ticker.C:
				case <-stopCh:
					return
				}

				idx := churnIdx % len(instances)
				logger.Info("restarting instance", zap.Int("instance", idx))

				instancesLock.Lock()
				instances[idx].Stop()
				inst, err := startInstance(logger, provider, store, idx)
				if err != nil {
					instancesLock.Unlock()
					logger.Error("failed to restart instance", zap.Int("instance", idx), zap.Error(err))
					os.Exit(1)
				}
				instances[idx] = inst
				instancesLock.Unlock()
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("stopping dev cluster")
	close(stopCh)

	instancesLock.Lock()
	for _, inst := range instances {
		inst.Stop()
	}
	instancesLock.Unlock()

	logger.Info("lease holders at shutdown", zap.Any("holders", store.Holders()))
}

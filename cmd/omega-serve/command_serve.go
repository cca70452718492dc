// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/antgroup/omega/pkg/serve"
)

type Serve struct {
	Config string `short:"c" name:"config" help:"Location of server config file" default:"~/config/omega-serve.toml" type:"path"`
}

func (c *Serve) Run(globals *Globals) error {
	sc, err := serve.NewServerConfig(c.Config, globals.ExpandEnv)
	if err != nil {
		logrus.Errorf("omega-serve load server config error: %v", err)
		return err
	}
	srv, err := serve.NewServer(sc)
	if err != nil {
		logrus.Errorf("omega-serve new server error: %v", err)
		return err
	}
	closer := newCloser()
	go closer.listenSignal(context.Background(), srv)
	if err := srv.Start(context.Background()); err != nil {
		logrus.Errorf("omega-serve start server error: %v", err)
		return err
	}
	<-closer.ch
	logrus.Infof("omega-serve exited")
	return nil
}

// Package main is a command line tool for trying the jog controller without a robot.
package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/golang/geo/r3"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.viam.com/rdk/logging"

	jogarm "jog_arm"
	"jog_arm/jog"
	"jog_arm/kinematics"
)

const (
	flagParams   = "params"
	flagModel    = "model"
	flagStart    = "start"
	flagDuration = "duration"
	flagLinear   = "linear"
	flagAngular  = "angular"
	flagFrame    = "frame"
	flagJoint    = "joint"
	flagPort     = "port"
	flagCalib    = "calibration"
	flagWatch    = "watch"
	flagLimp     = "limp"
)

func main() {
	var logger logging.Logger

	app := &cli.App{
		Name:  "jogctl",
		Usage: "jog a simulated arm or read a real one",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			logger = logging.NewLogger("jogctl")
			if c.Bool("debug") {
				logger.SetLevel(logging.DEBUG)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "sim",
				Usage: "run the jog controller against a simulated arm and print where it ends up",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagParams, Usage: "load jog parameters from `FILE` (yaml or json)"},
					&cli.StringFlag{Name: flagModel, Usage: "builtin model name or model `FILE`, defaults to the parameters' move group"},
					&cli.StringFlag{Name: flagStart, Usage: "starting joint positions in radians, comma separated"},
					&cli.DurationFlag{Name: flagDuration, Value: time.Second, Usage: "how long to jog"},
					&cli.StringFlag{Name: flagLinear, Usage: "linear command x,y,z"},
					&cli.StringFlag{Name: flagAngular, Usage: "angular command x,y,z"},
					&cli.StringFlag{Name: flagFrame, Usage: "command frame, defaults to the parameters' command frame"},
					&cli.StringSliceFlag{Name: flagJoint, Usage: "joint command as `NAME=VALUE`, repeatable"},
				},
				Action: func(c *cli.Context) error {
					return runSim(c, logger)
				},
			},
			{
				Name:  "read",
				Usage: "print the joint positions of a servo bus arm",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagPort, Value: jogarm.PortAuto, Usage: "serial `PORT`, or auto"},
					&cli.StringFlag{Name: flagCalib, Usage: "calibration `FILE`"},
					&cli.DurationFlag{Name: flagWatch, Usage: "keep reading at this interval until interrupted"},
					&cli.BoolFlag{Name: flagLimp, Usage: "disable torque so the arm can be moved by hand"},
				},
				Action: func(c *cli.Context) error {
					return runRead(c, logger)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadParameters(c *cli.Context) (jog.Parameters, error) {
	if path := c.String(flagParams); path != "" {
		return jog.LoadParameters(path)
	}
	return jog.DefaultParameters(), nil
}

func loadModel(name string) (*kinematics.Model, error) {
	if strings.HasSuffix(name, ".json") {
		return kinematics.ParseModelFile(name)
	}
	return kinematics.Builtin(name)
}

// parseFloats parses a comma separated list. An empty string is nil.
func parseFloats(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	var out []float64
	for _, f := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad number %q", f)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseVector(s string) (r3.Vector, error) {
	v, err := parseFloats(s)
	if err != nil || v == nil {
		return r3.Vector{}, err
	}
	if len(v) != 3 {
		return r3.Vector{}, errors.Errorf("expected x,y,z, got %q", s)
	}
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}, nil
}

func parseJointCommands(specs []string) (jog.JointJogCommand, error) {
	var cmd jog.JointJogCommand
	for _, spec := range specs {
		name, value, ok := strings.Cut(spec, "=")
		if !ok {
			return cmd, errors.Errorf("joint command %q is not NAME=VALUE", spec)
		}
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return cmd, errors.Wrapf(err, "joint command %q", spec)
		}
		cmd.Names = append(cmd.Names, name)
		cmd.Deltas = append(cmd.Deltas, v)
	}
	return cmd, nil
}

func runSim(c *cli.Context, logger logging.Logger) error {
	params, err := loadParameters(c)
	if err != nil {
		return err
	}
	modelName := c.String(flagModel)
	if modelName == "" {
		modelName = params.MoveGroupName
	}
	model, err := loadModel(modelName)
	if err != nil {
		return err
	}
	start, err := parseFloats(c.String(flagStart))
	if err != nil {
		return err
	}
	if start != nil && len(start) != model.DoF() {
		return errors.Errorf("%s has %d joints, got %d start positions", model.Name(), model.DoF(), len(start))
	}
	linear, err := parseVector(c.String(flagLinear))
	if err != nil {
		return err
	}
	angular, err := parseVector(c.String(flagAngular))
	if err != nil {
		return err
	}
	joints, err := parseJointCommands(c.StringSlice(flagJoint))
	if err != nil {
		return err
	}
	if len(joints.Names) > 0 && (linear != r3.Vector{} || angular != r3.Vector{}) {
		return errors.New("give either a twist or joint commands, not both")
	}

	sim := jogarm.NewSimArm(model, start)
	sim.AcceptVelocityData(!params.PublishJointPositions && params.PublishJointVelocities)
	server, err := jog.NewServer(params, model, sim, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt)
	defer cancel()

	q0, err := sim.JointPositions(ctx)
	if err != nil {
		return err
	}
	server.HandleJointState(model.NewJointState(q0, nil, time.Now()))
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()

	send := func() error {
		now := time.Now()
		if len(joints.Names) > 0 {
			joints.Stamp = now
			return server.HandleJointJog(joints)
		}
		server.HandleTwist(jog.TwistCommand{
			Twist: jog.Twist{Linear: linear, Angular: angular},
			Frame: c.String(flagFrame),
			Stamp: now,
		})
		return nil
	}

	ticker := time.NewTicker(params.Period())
	defer ticker.Stop()
	deadline := time.After(c.Duration(flagDuration))
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-deadline:
			break loop
		case <-ticker.C:
		}
		q, err := sim.JointPositions(ctx)
		if err != nil {
			return err
		}
		server.HandleJointState(model.NewJointState(q, nil, time.Now()))
		if err := send(); err != nil {
			return err
		}
	}

	q1, err := sim.JointPositions(context.Background())
	if err != nil {
		return err
	}
	printJoints(model.JointNames(), q0, q1)
	printStatus(server.Status(), sim.Published())
	return nil
}

func printJoints(names []string, before, after []float64) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"joint", "start (rad)", "end (rad)", "moved (deg)"})
	for i, name := range names {
		tw.AppendRow(table.Row{
			name,
			fmt.Sprintf("%.4f", before[i]),
			fmt.Sprintf("%.4f", after[i]),
			fmt.Sprintf("%+.2f", (after[i]-before[i])*180/math.Pi),
		})
	}
	tw.Render()
}

func printStatus(st jog.Status, published int) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendRows([]table.Row{
		{"commands published", published},
		{"collision scale", fmt.Sprintf("%.3f", st.CollisionVelocityScale)},
		{"collision monitor", st.MonitorState},
		{"command stale", st.CommandIsStale},
	})
	if st.LastError != "" {
		tw.AppendRow(table.Row{"last error", st.LastError})
	}
	tw.Render()
}

func runRead(c *cli.Context, logger logging.Logger) error {
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt)
	defer cancel()

	cfg := &jogarm.Config{
		Backend:         jogarm.BackendServoBus,
		Port:            c.String(flagPort),
		CalibrationFile: c.String(flagCalib),
	}
	reader, err := jogarm.OpenJointReader(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := reader.Close(context.Background()); err != nil {
			logger.Warnf("Failed to close the servo bus: %v", err)
		}
	}()

	if c.Bool(flagLimp) {
		logger.Info("Disabling torque so you can move the arm by hand...")
		if err := reader.SetTorque(ctx, false); err != nil {
			return err
		}
	}

	interval := c.Duration(flagWatch)
	for {
		q, err := reader.Read(ctx)
		if err != nil {
			return err
		}
		printPositions(reader.Names, q)
		if interval <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func printPositions(names []string, q []float64) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"joint", "rad", "deg"})
	for i, name := range names {
		tw.AppendRow(table.Row{name, fmt.Sprintf("%.4f", q[i]), fmt.Sprintf("%.1f", q[i]*180/math.Pi)})
	}
	tw.Render()
}
